package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-attendance-api/internal/config"
	"github.com/noah-isme/gema-attendance-api/internal/handler"
	"github.com/noah-isme/gema-attendance-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	Health                   handler.HealthDependencies
	AttendanceSessionHandler *handler.AttendanceSessionHandler
	AttendanceRecordHandler  *handler.AttendanceRecordHandler
	ScanHandler              *handler.ScanHandler
	EnrollmentHandler        *handler.EnrollmentHandler
	ScheduleHandler          *handler.ScheduleHandler
	JWTMiddleware            fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Health))
	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	v2 := app.Group("/api/v2", jwtMiddleware)

	// Attendance (sessions, scans, records)
	attendance := v2.Group("/attendance")
	if deps.AttendanceSessionHandler != nil {
		deps.AttendanceSessionHandler.Register(attendance.Group("/sessions"))
	}
	if deps.ScanHandler != nil {
		deps.ScanHandler.Register(attendance)
	}
	if deps.AttendanceRecordHandler != nil {
		deps.AttendanceRecordHandler.Register(attendance)
	}

	// Enrollments and rosters
	if deps.EnrollmentHandler != nil {
		deps.EnrollmentHandler.RegisterStudents(v2.Group("/students"))
		deps.EnrollmentHandler.RegisterEnrollments(v2.Group("/enrollments"))
		deps.EnrollmentHandler.RegisterCourses(v2.Group("/courses"))
	}

	if deps.ScheduleHandler != nil {
		deps.ScheduleHandler.Register(v2.Group("/schedules"))
	}
}
