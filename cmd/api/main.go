package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-attendance-api/internal/config"
	"github.com/noah-isme/gema-attendance-api/internal/database"
	"github.com/noah-isme/gema-attendance-api/internal/handler"
	"github.com/noah-isme/gema-attendance-api/internal/middleware"
	"github.com/noah-isme/gema-attendance-api/internal/repository"
	"github.com/noah-isme/gema-attendance-api/internal/router"
	"github.com/noah-isme/gema-attendance-api/internal/service"
	cloud "github.com/noah-isme/gema-attendance-api/pkg/cloudinary"
	"github.com/noah-isme/gema-attendance-api/pkg/qrcode"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	redisClient, err := database.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	var uploader service.FileUploader
	if cfg.CloudinaryEnabled() {
		cld, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create cloudinary client")
		}
		uploader = cld
	} else {
		logger.Info().Msg("cloudinary disabled, qr images are served inline only")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	studentRepo := repository.NewStudentRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	sessionRepo := repository.NewAttendanceSessionRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)

	feed := service.NewAttendanceFeed(redisClient, cfg.RealtimeChannel, natsConn, logger)
	feed.Start(ctx)

	rosters := service.NewRosterCache(enrollmentRepo, redisClient, cfg.RosterCacheTTL, logger)
	schedules := service.NewScheduleCache(scheduleRepo, cfg.ScheduleCacheTTL, logger)

	sessionService := service.NewAttendanceSessionService(sessionRepo, courseRepo, qrcode.NewRenderer(cfg.QRCodeSize), uploader, feed, validate, cfg.SessionDuration, logger)
	defer sessionService.Close()

	attendanceService := service.NewAttendanceService(attendanceRepo, sessionRepo, feed, validate, logger)
	scanService := service.NewScanService(rosters, schedules, sessionRepo, attendanceRepo, studentRepo, feed, cfg.LateAfter, logger)
	reconciler := service.NewEnrollmentReconciler(enrollmentRepo, logger)
	enrollmentService := service.NewEnrollmentService(enrollmentRepo, studentRepo, courseRepo, reconciler, rosters, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: logger, AllowOrigins: cfg.CORSAllowOrigins})
	router.Register(app, cfg, router.Dependencies{
		Health: handler.HealthDependencies{
			DB:    db,
			Redis: redisClient,
			NATS:  natsConn,
		},
		AttendanceSessionHandler: handler.NewAttendanceSessionHandler(sessionService, attendanceService, feed, validate, logger),
		AttendanceRecordHandler:  handler.NewAttendanceRecordHandler(attendanceService, validate, logger),
		ScanHandler:              handler.NewScanHandler(scanService, rosters, validate, cfg.ScanRateLimit, logger),
		EnrollmentHandler:        handler.NewEnrollmentHandler(enrollmentService, logger),
		ScheduleHandler:          handler.NewScheduleHandler(schedules, logger),
		JWTMiddleware:            middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Error().Err(err).Msg("server stopped listening")
			stop()
		}
	}()

	waitForShutdown(ctx, app, logger)
}

func waitForShutdown(ctx context.Context, app *fiber.App, logger zerolog.Logger) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
