package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// Common weak/default passwords and secrets to check for
var weakPasswords = []string{
	"password",
	"secret",
	"changeme",
	"admin",
	"root",
	"postgres",
	"123456",
	"12345678",
	"qwerty",
	"abc123",
	"default",
	"guest",
}

// ValidateForProduction validates that configuration is suitable for production use.
// It checks for insecure settings, weak secrets, and development configurations
// that should never be used in production environments.
func ValidateForProduction(cfg *Config) error {
	var errors []string

	if err := validateEnvironment(cfg); err != nil {
		errors = append(errors, err.Error())
	}
	if err := validateKeychain(cfg); err != nil {
		errors = append(errors, err.Error())
	}
	if err := validateDatabase(cfg); err != nil {
		errors = append(errors, err.Error())
	}
	if err := validateServiceAddresses(cfg); err != nil {
		errors = append(errors, err.Error())
	}

	logProductionWarnings(cfg)

	if len(errors) > 0 {
		return fmt.Errorf("production configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	slog.Info("production configuration validated successfully")
	return nil
}

func validateEnvironment(cfg *Config) error {
	if cfg.Server.Env != "production" {
		return fmt.Errorf("APP_ENV must be 'production' in production deployment, got: %s", cfg.Server.Env)
	}
	return nil
}

func validateKeychain(cfg *Config) error {
	if !cfg.Keychain.UseKMS {
		return fmt.Errorf("keychain envelope encryption must use KMS in production (KEYCHAIN_USE_KMS=true)")
	}
	if cfg.Keychain.KMSKeyID == "" {
		return fmt.Errorf("KMS is enabled but KEYCHAIN_KMS_KEY_ID is not configured")
	}
	if cfg.Keychain.CacheTTLSeconds > 60 {
		return fmt.Errorf("keychain cache TTL exceeds the 60s staleness bound")
	}
	return nil
}

func validateDatabase(cfg *Config) error {
	var errors []string

	if isWeakPassword(cfg.Database.Password) {
		errors = append(errors, "weak or default database password detected")
	}
	if cfg.Database.SSLMode == "disable" {
		errors = append(errors, "database SSL must be enabled in production (use 'require', 'verify-ca', or 'verify-full')")
	}
	if cfg.Database.Host == "" || containsLocalhostURL(cfg.Database.Host) {
		errors = append(errors, "database host appears to be localhost or empty - use production database host")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}
	return nil
}

func validateServiceAddresses(cfg *Config) error {
	var errors []string

	if containsLocalhostURL(cfg.Redis.Address) {
		errors = append(errors, "localhost detected in Redis address - use production Redis host")
	}
	if cfg.Observability.TracingEnabled && containsLocalhostURL(cfg.Observability.TracingEndpoint) {
		errors = append(errors, "localhost detected in tracing endpoint")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}
	return nil
}

func logProductionWarnings(cfg *Config) {
	if cfg.Observability.SentryEnabled && cfg.Observability.SentryDSN == "" {
		slog.Warn("Sentry error tracking is enabled but DSN is not configured")
	}
	if cfg.Observability.SentryEnabled && cfg.Observability.SentryEnvironment != "production" {
		slog.Warn("Sentry environment should be 'production'", "current", cfg.Observability.SentryEnvironment)
	}
	if !cfg.Observability.TracingEnabled {
		slog.Warn("distributed tracing is disabled - route_event and queue lease spans will not be emitted")
	}
	if !cfg.Observability.MetricsEnabled {
		slog.Warn("metrics collection is disabled - consider enabling for queue depth and lease monitoring")
	}
	if cfg.Redis.Password == "" {
		slog.Warn("Redis password is not set - ensure Redis is secured by other means")
	}
}

// isWeakPassword checks if a password matches common weak passwords or patterns
func isWeakPassword(password string) bool {
	if password == "" {
		return true
	}
	if len(password) < 8 {
		return true
	}
	lowerPassword := strings.ToLower(password)
	for _, weak := range weakPasswords {
		if lowerPassword == weak {
			return true
		}
	}
	return false
}

// containsLocalhostURL checks if a URL or host string contains localhost references
func containsLocalhostURL(url string) bool {
	if url == "" {
		return false
	}
	lowerURL := strings.ToLower(url)
	if strings.Contains(lowerURL, "localhost") {
		return true
	}
	if strings.Contains(lowerURL, "127.0.0.1") || strings.Contains(lowerURL, "0.0.0.0") {
		return true
	}
	if strings.Contains(lowerURL, "::1") || strings.Contains(lowerURL, "[::1]") {
		return true
	}
	return false
}
