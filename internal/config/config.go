// Package config assembles the daemon configuration from RELAYCAL_*
// environment variables, an optional .env file and a backend profile.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	SourceGateway = "gateway"
	SourceSpool   = "spool"

	ModeAll  = "all"
	ModePush = "push"
	ModePoll = "poll"
)

type Config struct {
	Addr    string `env:"RELAYCAL_ADDR" validate:"required"`
	Mode    string `env:"RELAYCAL_MODE" validate:"oneof=all push poll"`
	Profile string `env:"RELAYCAL_BACKEND_PROFILE" validate:"omitempty,oneof=custom memory inmemory production prod durable-local local-durable"`
	DataDir string `env:"RELAYCAL_DATA_DIR"`

	StoreDSN  string `env:"RELAYCAL_STORE_DSN" validate:"required"`
	CursorDSN string `env:"RELAYCAL_CURSOR_DSN" validate:"required"`

	Source       string `env:"RELAYCAL_SOURCE" validate:"oneof=gateway spool"`
	Mailbox      string `env:"RELAYCAL_MAILBOX" validate:"required"`
	GatewayURL   string `env:"RELAYCAL_GATEWAY_URL" validate:"required_if=Source gateway,omitempty,url"`
	GatewayToken string `env:"RELAYCAL_GATEWAY_TOKEN"`
	SpoolDir     string `env:"RELAYCAL_SPOOL_DIR" validate:"required_if=Source spool"`
	Recipient    string `env:"RELAYCAL_RECIPIENT" validate:"omitempty,email"`
	PageSize     int    `env:"RELAYCAL_PAGE_SIZE" validate:"gte=1,lte=500"`

	PollInterval   time.Duration `env:"RELAYCAL_POLL_INTERVAL" validate:"gt=0"`
	PollJitter     float64       `env:"RELAYCAL_POLL_INTERVAL_JITTER" validate:"gte=0,lte=1"`
	ScanInterval   time.Duration `env:"RELAYCAL_SCAN_INTERVAL" validate:"gt=0"`
	SyncTimeout    time.Duration `env:"RELAYCAL_SYNC_TIMEOUT" validate:"gt=0"`
	JoinHorizon    time.Duration `env:"RELAYCAL_JOIN_HORIZON" validate:"gt=0"`
	LateGrace      time.Duration `env:"RELAYCAL_LATE_GRACE" validate:"gte=0"`
	ReconnectDelay time.Duration `env:"RELAYCAL_RECONNECT_DELAY" validate:"gt=0"`
	IdleTimeout    time.Duration `env:"RELAYCAL_IDLE_TIMEOUT" validate:"gt=0"`

	LauncherURL      string        `env:"RELAYCAL_LAUNCHER_URL" validate:"omitempty,url"`
	LauncherToken    string        `env:"RELAYCAL_LAUNCHER_TOKEN"`
	CallbackURL      string        `env:"RELAYCAL_CALLBACK_URL" validate:"omitempty,url"`
	CallbackTokenTTL time.Duration `env:"RELAYCAL_CALLBACK_TOKEN_TTL" validate:"gte=0"`

	RSVPEnabled bool   `env:"RELAYCAL_RSVP_ENABLED"`
	BotName     string `env:"RELAYCAL_BOT_NAME" validate:"required,max=128"`

	JWTSecret          string        `env:"RELAYCAL_JWT_SECRET"`
	InternalHMACSecret string        `env:"RELAYCAL_INTERNAL_HMAC_SECRET"`
	InternalMaxSkew    time.Duration `env:"RELAYCAL_INTERNAL_MAX_SKEW" validate:"gte=0"`
	RateLimitMax       int           `env:"RELAYCAL_RATE_LIMIT_MAX" validate:"gte=0"`
	RateLimitWindow    time.Duration `env:"RELAYCAL_RATE_LIMIT_WINDOW" validate:"gte=0"`
	MaxBodyBytes       int64         `env:"RELAYCAL_MAX_BODY_BYTES" validate:"gte=0"`
}

// Load reads the given .env files (missing ones are skipped, and variables
// already in the environment win), then builds and validates the config.
func Load(envFiles ...string) (Config, error) {
	if err := LoadEnvFiles(envFiles...); err != nil {
		return Config{}, err
	}
	cfg, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFiles exports the variables of each existing file into the process
// environment without overriding anything already set.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// FromEnv builds the config without validating it, so binaries can apply
// flag overrides first.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:    envOrDefault("RELAYCAL_ADDR", ":8080"),
		Mode:    strings.ToLower(envOrDefault("RELAYCAL_MODE", ModeAll)),
		Profile: strings.ToLower(strings.TrimSpace(os.Getenv("RELAYCAL_BACKEND_PROFILE"))),
		DataDir: envOrDefault("RELAYCAL_DATA_DIR", ".relaycal"),

		StoreDSN:  strings.TrimSpace(os.Getenv("RELAYCAL_STORE_DSN")),
		CursorDSN: strings.TrimSpace(os.Getenv("RELAYCAL_CURSOR_DSN")),

		Source:       strings.ToLower(envOrDefault("RELAYCAL_SOURCE", SourceGateway)),
		Mailbox:      envOrDefault("RELAYCAL_MAILBOX", "meetings"),
		GatewayURL:   strings.TrimSpace(os.Getenv("RELAYCAL_GATEWAY_URL")),
		GatewayToken: strings.TrimSpace(os.Getenv("RELAYCAL_GATEWAY_TOKEN")),
		SpoolDir:     strings.TrimSpace(os.Getenv("RELAYCAL_SPOOL_DIR")),
		Recipient:    strings.TrimSpace(os.Getenv("RELAYCAL_RECIPIENT")),
		PageSize:     intEnv("RELAYCAL_PAGE_SIZE", 50),

		PollInterval:   durationEnv("RELAYCAL_POLL_INTERVAL", time.Minute),
		PollJitter:     floatEnv("RELAYCAL_POLL_INTERVAL_JITTER", 0.2),
		ScanInterval:   durationEnv("RELAYCAL_SCAN_INTERVAL", 30*time.Second),
		SyncTimeout:    durationEnv("RELAYCAL_SYNC_TIMEOUT", 2*time.Minute),
		JoinHorizon:    durationEnv("RELAYCAL_JOIN_HORIZON", 2*time.Minute),
		LateGrace:      durationEnv("RELAYCAL_LATE_GRACE", 10*time.Minute),
		ReconnectDelay: durationEnv("RELAYCAL_RECONNECT_DELAY", 5*time.Second),
		IdleTimeout:    durationEnv("RELAYCAL_IDLE_TIMEOUT", 29*time.Minute),

		LauncherURL:      strings.TrimSpace(os.Getenv("RELAYCAL_LAUNCHER_URL")),
		LauncherToken:    strings.TrimSpace(os.Getenv("RELAYCAL_LAUNCHER_TOKEN")),
		CallbackURL:      strings.TrimSpace(os.Getenv("RELAYCAL_CALLBACK_URL")),
		CallbackTokenTTL: durationEnv("RELAYCAL_CALLBACK_TOKEN_TTL", 12*time.Hour),

		RSVPEnabled: boolEnv("RELAYCAL_RSVP_ENABLED", true),
		BotName:     envOrDefault("RELAYCAL_BOT_NAME", "Meeting Bot"),

		JWTSecret:          os.Getenv("RELAYCAL_JWT_SECRET"),
		InternalHMACSecret: os.Getenv("RELAYCAL_INTERNAL_HMAC_SECRET"),
		InternalMaxSkew:    durationEnv("RELAYCAL_INTERNAL_MAX_SKEW", 5*time.Minute),
		RateLimitMax:       intEnv("RELAYCAL_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("RELAYCAL_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("RELAYCAL_MAX_BODY_BYTES", 0),
	}
	if err := cfg.ApplyProfile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyProfile fills StoreDSN and CursorDSN from the backend profile where
// they were not set explicitly. With no profile and no DSNs everything stays
// in memory.
func (c *Config) ApplyProfile() error {
	storeDSN, cursorDSN, err := profileDefaults(c.Profile, c.DataDir)
	if err != nil {
		return err
	}
	if storeDSN == "" && cursorDSN == "" && c.StoreDSN == "" && c.CursorDSN == "" {
		storeDSN, cursorDSN = "memory://", "memory://"
	}
	if c.StoreDSN == "" {
		c.StoreDSN = storeDSN
	}
	if c.CursorDSN == "" {
		c.CursorDSN = cursorDSN
	}
	// A lone store DSN keeps cursors next to the meetings.
	if c.CursorDSN == "" && strings.HasPrefix(c.StoreDSN, "postgres") {
		c.CursorDSN = c.StoreDSN
	}
	if c.CursorDSN == "" {
		c.CursorDSN = "file://" + filepath.Join(c.DataDir, "cursors.json")
	}
	if c.StoreDSN == "" {
		c.StoreDSN = "memory://"
	}
	return nil
}

func profileDefaults(profile, dataDir string) (storeDSN, cursorDSN string, err error) {
	if dataDir == "" {
		dataDir = ".relaycal"
	}
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("RELAYCAL_PRODUCTION_DSN"))
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("RELAYCAL_POSTGRES_DSN"))
		}
		if dsn == "" {
			return "", "", fmt.Errorf("RELAYCAL_PRODUCTION_DSN or RELAYCAL_POSTGRES_DSN is required when RELAYCAL_BACKEND_PROFILE=%s", profile)
		}
		return dsn, dsn, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "meetings.json"),
			"file://" + filepath.Join(dataDir, "cursors.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported RELAYCAL_BACKEND_PROFILE: %s", profile)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		if name := field.Tag.Get("env"); name != "" {
			return name
		}
		return field.Name
	})
	v.RegisterStructValidation(validateSecrets, Config{})
	return v
}

// validateSecrets refuses to run the production profile on the built-in
// development secrets the HTTP API falls back to.
func validateSecrets(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	if !c.Production() {
		return
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		sl.ReportError(c.JWTSecret, "RELAYCAL_JWT_SECRET", "JWTSecret", "required_in_production", "")
	}
	if strings.TrimSpace(c.InternalHMACSecret) == "" {
		sl.ReportError(c.InternalHMACSecret, "RELAYCAL_INTERNAL_HMAC_SECRET", "InternalHMACSecret", "required_in_production", "")
	}
}

// Production reports whether the production backend profile is selected.
func (c Config) Production() bool {
	switch strings.ToLower(strings.TrimSpace(c.Profile)) {
	case "production", "prod":
		return true
	}
	return false
}

// Validate reports every invalid setting at once, named by its variable.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problem := fe.Field() + " failed " + fe.Tag()
		if fe.Param() != "" {
			problem += "=" + fe.Param()
		}
		problems = append(problems, problem)
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

// CursorKey namespaces a cursor by mailbox so push and poll positions of
// different mailboxes never collide in a shared store.
func (c Config) CursorKey(kind string) string {
	return c.Mailbox + "/" + kind
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
