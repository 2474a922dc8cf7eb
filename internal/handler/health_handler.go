package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-attendance-api/internal/config"
	"github.com/noah-isme/gema-attendance-api/internal/utils"
)

const (
	healthStatusOK       = "ok"
	healthStatusDegraded = "degraded"
	healthStatusDisabled = "disabled"
	healthStatusDown     = "down"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Service      string            `json:"service"`
	Environment  string            `json:"environment"`
	Dependencies map[string]string `json:"dependencies"`
}

// HealthDependencies are the backing services probed by the health endpoint. Nil entries are
// reported as disabled.
type HealthDependencies struct {
	DB    *gorm.DB
	Redis *redis.Client
	NATS  *nats.Conn
}

// HealthCheck returns a handler that reports application and dependency health.
func HealthCheck(cfg config.Config, deps HealthDependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		dependencies := map[string]string{
			"database": probeDatabase(ctx, deps.DB),
			"redis":    probeRedis(ctx, deps.Redis),
			"nats":     probeNATS(deps.NATS),
		}

		payload := HealthResponse{
			Status:       healthStatusOK,
			Timestamp:    time.Now().UTC(),
			Service:      cfg.AppName,
			Environment:  cfg.AppEnv,
			Dependencies: dependencies,
		}

		if dependencies["database"] == healthStatusDown {
			payload.Status = healthStatusDown
			return utils.SendSuccessWithStatus(c, fiber.StatusServiceUnavailable, "service unhealthy", payload)
		}
		for _, status := range dependencies {
			if status == healthStatusDown {
				payload.Status = healthStatusDegraded
			}
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}

func probeDatabase(ctx context.Context, db *gorm.DB) string {
	if db == nil {
		return healthStatusDisabled
	}
	sqlDB, err := db.DB()
	if err != nil {
		return healthStatusDown
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return healthStatusDown
	}
	return healthStatusOK
}

func probeRedis(ctx context.Context, client *redis.Client) string {
	if client == nil {
		return healthStatusDisabled
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return healthStatusDown
	}
	return healthStatusOK
}

func probeNATS(conn *nats.Conn) string {
	if conn == nil {
		return healthStatusDisabled
	}
	if !conn.IsConnected() {
		return healthStatusDown
	}
	return healthStatusOK
}
