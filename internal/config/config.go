package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the attendance API.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	RealtimeChannel        string
	CORSAllowOrigins       string
	JWTSecret              string
	JWTRefreshSecret       string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	SessionDuration        time.Duration
	LateAfter              time.Duration
	RosterCacheTTL         time.Duration
	ScheduleCacheTTL       time.Duration
	ScanRateLimit          int
	QRCodeSize             int
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// CloudinaryEnabled reports whether QR images should be hosted on Cloudinary.
func (c Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Attendance API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("realtime.channel", "gema:attendance")
	v.SetDefault("cors.allow_origins", "*")
	v.SetDefault("cloudinary.folder", "gema/attendance-qr")
	v.SetDefault("attendance.session_minutes", 15)
	v.SetDefault("attendance.late_after", "10m")
	v.SetDefault("roster.cache_ttl", "2m")
	v.SetDefault("schedule.cache_ttl", "1m")
	v.SetDefault("scan.rate_limit", 30)
	v.SetDefault("qr.size", 320)

	lateAfter, err := parseDuration(v.GetString("attendance.late_after"), 10*time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid attendance late_after: %w", err)
	}

	rosterTTL, err := parseDuration(v.GetString("roster.cache_ttl"), 2*time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid roster cache ttl: %w", err)
	}

	scheduleTTL, err := parseDuration(v.GetString("schedule.cache_ttl"), time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid schedule cache ttl: %w", err)
	}

	sessionMinutes := v.GetInt("attendance.session_minutes")
	if sessionMinutes <= 0 {
		sessionMinutes = 15
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		RealtimeChannel:        v.GetString("realtime.channel"),
		CORSAllowOrigins:       v.GetString("cors.allow_origins"),
		JWTSecret:              v.GetString("jwt.secret"),
		JWTRefreshSecret:       v.GetString("jwt.refresh_secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		SessionDuration:        time.Duration(sessionMinutes) * time.Minute,
		LateAfter:              lateAfter,
		RosterCacheTTL:         rosterTTL,
		ScheduleCacheTTL:       scheduleTTL,
		ScanRateLimit:          v.GetInt("scan.rate_limit"),
		QRCodeSize:             v.GetInt("qr.size"),
	}

	if cfg.JWTSecret == "" || cfg.JWTRefreshSecret == "" {
		return Config{}, fmt.Errorf("jwt secrets must be provided")
	}

	if cfg.ScanRateLimit <= 0 {
		cfg.ScanRateLimit = 30
	}

	if cfg.QRCodeSize < 128 {
		cfg.QRCodeSize = 320
	}

	return cfg, nil
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}
