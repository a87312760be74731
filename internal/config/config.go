package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseURL    string
	QueueStore     string
	AdminJWTSecret string
	CORSOrigins    []string

	WebhookRatePerSecond float64
	WebhookBurst         int

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AWSRegion              string
	AWSAccessKeyID         string
	AWSSecretAccessKey     string
	AWSEndpointOverride    string
	SMSQueueURL            string
	TransitionArchiveTable string
	TransitionArchiveTTL   time.Duration

	// Email delivery (SendGrid preferred, SES fallback)
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
	AlertEmails       []string

	// Session flow rules
	LateJoinThreshold        time.Duration
	NoShowThreshold          time.Duration
	OvertimeGrace            time.Duration
	DefaultOvertimeRateCents int
	BookingLockTTL           time.Duration
	AlternativeSlots         int
	AlternativeSearchDays    int
	BusinessHoursStart       int
	BusinessHoursEnd         int

	// Recovery
	RetryMaxAttempts          int
	RetryBaseDelay            time.Duration
	RetryMaxDelay             time.Duration
	RetryMultiplier           float64
	RetryAttemptTimeout       time.Duration
	QueueMaxAttempts          int
	OperationDrainInterval    time.Duration
	NotificationDrainInterval time.Duration
	NotificationExpiry        time.Duration
	AlertThreshold            int
	AlertCooldown             time.Duration

	// RecoveryInline runs the recovery loops inside the API process.
	RecoveryInline bool

	// Monitor
	MonitorRetention    time.Duration
	HealthCheckInterval time.Duration
	MaintenanceInterval time.Duration
	QueueDepthWarning   int
	ViolationWarning    int
	ViolationWindow     time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		QueueStore:     strings.ToLower(strings.TrimSpace(getEnv("QUEUE_STORE", "auto"))),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		CORSOrigins:    getEnvAsList("CORS_ALLOWED_ORIGINS"),

		WebhookRatePerSecond: getEnvAsFloat("WEBHOOK_RATE_PER_SECOND", 5),
		WebhookBurst:         getEnvAsInt("WEBHOOK_BURST", 20),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:              getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:         getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:     getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:    getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		SMSQueueURL:            getEnv("SMS_QUEUE_URL", ""),
		TransitionArchiveTable: getEnv("TRANSITION_ARCHIVE_TABLE", ""),
		TransitionArchiveTTL:   getEnvAsDuration("TRANSITION_ARCHIVE_TTL", 90*24*time.Hour),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Teletherapy"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		AlertEmails:       getEnvAsList("ALERT_EMAILS"),

		LateJoinThreshold:        getEnvAsDuration("LATE_JOIN_THRESHOLD", 30*time.Minute),
		NoShowThreshold:          getEnvAsDuration("NO_SHOW_THRESHOLD", 15*time.Minute),
		OvertimeGrace:            getEnvAsDuration("OVERTIME_GRACE", 5*time.Minute),
		DefaultOvertimeRateCents: getEnvAsInt("DEFAULT_OVERTIME_RATE_CENTS", 200),
		BookingLockTTL:           getEnvAsDuration("BOOKING_LOCK_TTL", 30*time.Second),
		AlternativeSlots:         getEnvAsInt("ALTERNATIVE_SLOTS", 3),
		AlternativeSearchDays:    getEnvAsInt("ALTERNATIVE_SEARCH_DAYS", 7),
		BusinessHoursStart:       getEnvAsInt("BUSINESS_HOURS_START", 9),
		BusinessHoursEnd:         getEnvAsInt("BUSINESS_HOURS_END", 17),

		RetryMaxAttempts:          getEnvAsInt("RETRY_MAX_ATTEMPTS", 5),
		RetryBaseDelay:            getEnvAsDuration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:             getEnvAsDuration("RETRY_MAX_DELAY", 30*time.Second),
		RetryMultiplier:           getEnvAsFloat("RETRY_MULTIPLIER", 2),
		RetryAttemptTimeout:       getEnvAsDuration("RETRY_ATTEMPT_TIMEOUT", 10*time.Second),
		QueueMaxAttempts:          getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
		OperationDrainInterval:    getEnvAsDuration("OPERATION_DRAIN_INTERVAL", 30*time.Second),
		NotificationDrainInterval: getEnvAsDuration("NOTIFICATION_DRAIN_INTERVAL", 5*time.Minute),
		NotificationExpiry:        getEnvAsDuration("NOTIFICATION_EXPIRY", 24*time.Hour),
		AlertThreshold:            getEnvAsInt("ALERT_THRESHOLD", 3),
		AlertCooldown:             getEnvAsDuration("ALERT_COOLDOWN", 5*time.Minute),

		RecoveryInline: getEnvAsBool("RECOVERY_INLINE", true),

		MonitorRetention:    getEnvAsDuration("MONITOR_RETENTION", 72*time.Hour),
		HealthCheckInterval: getEnvAsDuration("HEALTH_CHECK_INTERVAL", time.Minute),
		MaintenanceInterval: getEnvAsDuration("MAINTENANCE_INTERVAL", 10*time.Minute),
		QueueDepthWarning:   getEnvAsInt("QUEUE_DEPTH_WARNING", 100),
		ViolationWarning:    getEnvAsInt("VIOLATION_WARNING", 10),
		ViolationWindow:     getEnvAsDuration("VIOLATION_WINDOW", time.Hour),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil && value > 0 {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
