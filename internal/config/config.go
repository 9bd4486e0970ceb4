/**
 * @description
 * Configuration for the application-service. Values come from environment
 * variables, optionally seeded from a .env file in the working directory.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding, defaults and .env parsing.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the application-service.
type Config struct {
	ServerPort      string `mapstructure:"SERVER_PORT"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32  `mapstructure:"DB_MAX_CONNS"`
	RedisURL        string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix  string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL     string `mapstructure:"RABBITMQ_URL"`
	EventsExchange  string `mapstructure:"EVENTS_EXCHANGE"`
	PaymentQueue    string `mapstructure:"PAYMENT_EVENT_QUEUE"`
	AllowedOrigins  string `mapstructure:"ALLOWED_ORIGINS"`
	JWKSURL         string `mapstructure:"AUTH_JWKS_URL"`
	JWTAudience     string `mapstructure:"AUTH_JWT_AUDIENCE"`
	JWTIssuer       string `mapstructure:"AUTH_JWT_ISSUER"`
	ModeratorRoles  string `mapstructure:"MODERATOR_ROLES"`
	GatewayBaseURL  string `mapstructure:"PAYMENT_GATEWAY_BASE_URL"`
	GatewaySecret   string `mapstructure:"PAYMENT_GATEWAY_SECRET_KEY"`
	Currency        string `mapstructure:"PAYMENT_CURRENCY"`
	CheckoutTTLMin  int    `mapstructure:"CHECKOUT_SESSION_TTL_MINUTES"`
	PersistTimeoutS int    `mapstructure:"PERSISTENCE_TIMEOUT_SECONDS"`

	BatchCommitConcurrency   int    `mapstructure:"BATCH_COMMIT_CONCURRENCY"`
	PersistenceEscalateAfter int    `mapstructure:"PERSISTENCE_ESCALATE_AFTER"`
	StaleConfirmationMinutes int    `mapstructure:"STALE_CONFIRMATION_MINUTES"`
	ReconcileSchedule        string `mapstructure:"RECONCILE_SCHEDULE"`
	EscalationSchedule       string `mapstructure:"ESCALATION_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file located in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DB_MAX_CONNS", 10)
	viper.SetDefault("REDIS_KEY_PREFIX", "scholarstream")
	viper.SetDefault("EVENTS_EXCHANGE", "scholarstream.events")
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "application_service.payment_events")
	viper.SetDefault("ALLOWED_ORIGINS", "*")
	viper.SetDefault("MODERATOR_ROLES", "moderator,admin")
	viper.SetDefault("PAYMENT_CURRENCY", "usd")
	viper.SetDefault("CHECKOUT_SESSION_TTL_MINUTES", 60)
	viper.SetDefault("PERSISTENCE_TIMEOUT_SECONDS", 15)
	viper.SetDefault("BATCH_COMMIT_CONCURRENCY", 8)
	viper.SetDefault("PERSISTENCE_ESCALATE_AFTER", 5)
	viper.SetDefault("STALE_CONFIRMATION_MINUTES", 30)
	viper.SetDefault("RECONCILE_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("ESCALATION_SCHEDULE", "0 * * * *")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DB_MAX_CONNS")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("ALLOWED_ORIGINS")
	_ = viper.BindEnv("AUTH_JWKS_URL", "AUTH_JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("AUTH_JWT_AUDIENCE")
	_ = viper.BindEnv("AUTH_JWT_ISSUER")
	_ = viper.BindEnv("MODERATOR_ROLES")
	_ = viper.BindEnv("PAYMENT_GATEWAY_BASE_URL")
	_ = viper.BindEnv("PAYMENT_GATEWAY_SECRET_KEY", "PAYMENT_GATEWAY_SECRET_KEY", "STRIPE_SECRET_KEY")
	_ = viper.BindEnv("PAYMENT_CURRENCY")
	_ = viper.BindEnv("CHECKOUT_SESSION_TTL_MINUTES")
	_ = viper.BindEnv("PERSISTENCE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("BATCH_COMMIT_CONCURRENCY")
	_ = viper.BindEnv("PERSISTENCE_ESCALATE_AFTER")
	_ = viper.BindEnv("STALE_CONFIRMATION_MINUTES")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("ESCALATION_SCHEDULE")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.Trim(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "scholarstream"
	}
	config.GatewayBaseURL = strings.TrimRight(strings.TrimSpace(config.GatewayBaseURL), "/")
	if config.GatewayBaseURL == "" {
		config.GatewayBaseURL = "https://api.stripe.com"
	}
	config.Currency = strings.ToLower(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = "usd"
	}

	if config.DBMaxConns <= 0 {
		config.DBMaxConns = 10
	}
	if config.CheckoutTTLMin <= 0 {
		config.CheckoutTTLMin = 60
	}
	if config.PersistTimeoutS <= 0 {
		config.PersistTimeoutS = 15
	}
	if config.BatchCommitConcurrency <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive batch concurrency configured; using default\" value=%d", config.BatchCommitConcurrency)
		config.BatchCommitConcurrency = 8
	}
	if config.PersistenceEscalateAfter <= 0 {
		config.PersistenceEscalateAfter = 5
	}
	if config.StaleConfirmationMinutes <= 0 {
		config.StaleConfirmationMinutes = 30
	}

	return
}

// ModeratorRoleList splits MODERATOR_ROLES into normalized role names.
func (c Config) ModeratorRoleList() []string {
	parts := strings.Split(c.ModeratorRoles, ",")
	roles := make([]string, 0, len(parts))
	for _, part := range parts {
		role := strings.ToLower(strings.TrimSpace(part))
		if role != "" {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return []string{"moderator", "admin"}
	}
	return roles
}

// AllowedOriginList splits ALLOWED_ORIGINS for the CORS middleware.
func (c Config) AllowedOriginList() []string {
	var origins []string
	for _, part := range strings.Split(c.AllowedOrigins, ",") {
		if origin := strings.TrimSpace(part); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
