package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds application configuration
type Config struct {
	Port               int
	Database           DatabaseConfig
	Environment        string
	CORSOrigins        []string
	InternalAPIKey     string
	TokenEncryptionKey string

	// Public origin of the app that receives provider OAuth callbacks.
	PublicOrigin string

	Xero       ProviderConfig
	QuickBooks ProviderConfig
	Sage       ProviderConfig
	FreeAgent  ProviderConfig

	// QuickBooks switches its API base URL when pointed at production.
	QuickBooksEnv string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type         string // postgres
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// ProviderConfig holds the OAuth2 client settings for one accounting provider
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	Scope        string
	AuthorizeURL string
	TokenURL     string
	RevokeURL    string
	BaseURL      string
}

// Load loads configuration from environment variables
func Load() *Config {
	env := getEnv("ENVIRONMENT", "production")

	cfg := &Config{
		Port: getEnvInt("PORT", 8080),
		Database: DatabaseConfig{
			Type:         getEnv("DATABASE_TYPE", "postgres"),
			DSN:          getEnv("DATABASE_DSN", buildPostgresDSN()),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		},
		Environment:        env,
		CORSOrigins:        loadCORSOrigins(env),
		InternalAPIKey:     os.Getenv("INTERNAL_API_KEY"),
		TokenEncryptionKey: os.Getenv("TOKEN_ENCRYPTION_KEY"),
		PublicOrigin:       strings.TrimRight(getEnv("PUBLIC_ORIGIN", "http://localhost:8000"), "/"),
		Xero: ProviderConfig{
			ClientID:     os.Getenv("XERO_CLIENT_ID"),
			ClientSecret: os.Getenv("XERO_CLIENT_SECRET"),
			Scope:        getEnv("XERO_SCOPE", "offline_access"),
			AuthorizeURL: getEnv("XERO_AUTHORIZATION_URL", "https://login.xero.com/identity/connect/authorize"),
			TokenURL:     getEnv("XERO_TOKEN_URL", "https://identity.xero.com/connect/token"),
			RevokeURL:    os.Getenv("XERO_REVOKE_TOKEN_URL"),
			BaseURL:      getEnv("XERO_BASE_URL", "https://api.xero.com"),
		},
		QuickBooks: ProviderConfig{
			ClientID:     os.Getenv("QUICKBOOKS_CLIENT_ID"),
			ClientSecret: os.Getenv("QUICKBOOKS_CLIENT_SECRET"),
			Scope:        getEnv("QUICKBOOKS_SCOPE", "com.intuit.quickbooks.accounting"),
			AuthorizeURL: getEnv("QUICKBOOKS_AUTHORIZATION_URL", "https://appcenter.intuit.com/connect/oauth2"),
			TokenURL:     getEnv("QUICKBOOKS_TOKEN_URL", "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"),
			RevokeURL:    os.Getenv("QUICKBOOKS_REVOKE_TOKEN_URL"),
			BaseURL:      getEnv("QUICKBOOKS_BASE_URL", "https://sandbox-quickbooks.api.intuit.com"),
		},
		Sage: ProviderConfig{
			ClientID:     os.Getenv("SAGE_CLIENT_ID"),
			ClientSecret: os.Getenv("SAGE_CLIENT_SECRET"),
			Scope:        getEnv("SAGE_SCOPE", "full_access"),
			AuthorizeURL: getEnv("SAGE_AUTHORIZATION_URL", "https://central.uk.sageone.com/oauth2/auth"),
			TokenURL:     getEnv("SAGE_TOKEN_URL", "https://oauth.accounting.sage.com/token"),
			RevokeURL:    os.Getenv("SAGE_REVOKE_TOKEN_URL"),
			BaseURL:      getEnv("SAGE_BASE_URL", "https://api.accounting.sage.com"),
		},
		FreeAgent: ProviderConfig{
			ClientID:     os.Getenv("FREE_AGENT_CLIENT_ID"),
			ClientSecret: os.Getenv("FREE_AGENT_CLIENT_SECRET"),
			AuthorizeURL: getEnv("FREE_AGENT_AUTHORIZATION_URL", "https://api.sandbox.freeagent.com/v2/approve_app"),
			TokenURL:     getEnv("FREE_AGENT_TOKEN_URL", "https://api.sandbox.freeagent.com/v2/token_endpoint"),
			RevokeURL:    os.Getenv("FREE_AGENT_REVOKE_TOKEN_URL"),
			BaseURL:      getEnv("FREE_AGENT_BASE_URL", "https://api.sandbox.freeagent.com"),
		},
		QuickBooksEnv: getEnv("QUICKBOOKS_ENV", "sandbox"),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	return cfg
}

func buildPostgresDSN() string {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "ledgersync")
	password := getEnv("POSTGRES_PASSWORD", "secret")
	dbName := getEnv("POSTGRES_DB", "ledgersync")
	sslMode := getEnv("POSTGRES_SSLMODE", "disable")

	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   dbName,
	}

	query := u.Query()
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()

	return u.String()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required")
	}

	if c.TokenEncryptionKey == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}

	if c.Environment == "production" {
		if len(c.InternalAPIKey) < 32 {
			return fmt.Errorf("INTERNAL_API_KEY must be at least 32 characters in production")
		}
		if len(c.TokenEncryptionKey) < 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be at least 32 characters in production")
		}

		// Check for insecure default secrets
		insecureSecrets := []string{
			"change-this-secret-in-production",
			"change-me-in-production",
			"secret",
			"password",
			"changeme",
		}
		for _, insecure := range insecureSecrets {
			if c.InternalAPIKey == insecure || c.TokenEncryptionKey == insecure {
				return fmt.Errorf("internal secrets are set to an insecure default value. Please set strong random secrets")
			}
		}
	}

	if len(c.CORSOrigins) == 0 {
		return fmt.Errorf("at least one CORS origin must be configured")
	}

	if c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	return nil
}

func loadCORSOrigins(env string) []string {
	if appURL := strings.TrimRight(os.Getenv("APP_URL"), "/"); appURL != "" {
		return []string{appURL}
	}

	// Default origins based on environment
	if env == "development" {
		return []string{"http://localhost:3000", "http://localhost:8080"}
	}

	// In production, require explicit CORS configuration
	log.Println("WARNING: APP_URL not set. Using default localhost origins.")
	log.Println("WARNING: Set APP_URL environment variable for production deployments.")
	return []string{"http://localhost:3000", "http://localhost:8080"}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// Provider returns the OAuth client settings for the named provider.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	switch name {
	case "xero":
		return c.Xero, true
	case "quickbooks":
		return c.QuickBooks, true
	case "sage":
		return c.Sage, true
	case "free_agent":
		return c.FreeAgent, true
	}
	return ProviderConfig{}, false
}

// RedirectURI builds the OAuth callback URI registered with each provider.
func (c *Config) RedirectURI(provider string) string {
	return fmt.Sprintf("%s/api/v1/tool-accounting/oauth/callback/%s", c.PublicOrigin, provider)
}

// QuickBooksAPIBaseURL returns the QuickBooks API origin, switching to the
// production host when QUICKBOOKS_ENV is "production".
func (c *Config) QuickBooksAPIBaseURL() string {
	if strings.TrimSpace(strings.ToLower(c.QuickBooksEnv)) == "production" {
		return "https://quickbooks.api.intuit.com"
	}
	return c.QuickBooks.BaseURL
}
