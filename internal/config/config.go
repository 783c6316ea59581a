package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "PACKMARK"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "packmark.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "packmark_session"
	defaultBaseURL      = "http://localhost:8080"
	defaultTokenTTLMin  = 30
	defaultSMTPPort     = 587
	defaultS3Region     = "us-east-1"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	BaseURL        string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	CookieName     string
	TokenTTL       time.Duration
	GoogleClientID string
	GoogleJWKSURL  string

	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	ArchiveOnDelete bool

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.base_url", defaultBaseURL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("google.jwks_url", "https://www.googleapis.com/oauth2/v3/certs")
	configViper.SetDefault("s3.region", defaultS3Region)
	configViper.SetDefault("s3.archive_on_delete", true)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		BaseURL:         strings.TrimRight(configViper.GetString("http.base_url"), "/"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		CookieName:      configViper.GetString("auth.cookie_name"),
		TokenTTL:        time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		GoogleClientID:  configViper.GetString("google.client_id"),
		GoogleJWKSURL:   configViper.GetString("google.jwks_url"),
		S3Bucket:        configViper.GetString("s3.bucket"),
		S3Region:        configViper.GetString("s3.region"),
		S3Endpoint:      configViper.GetString("s3.endpoint"),
		S3AccessKey:     configViper.GetString("s3.access_key"),
		S3SecretKey:     configViper.GetString("s3.secret_key"),
		ArchiveOnDelete: configViper.GetBool("s3.archive_on_delete"),
		SMTPHost:        configViper.GetString("smtp.host"),
		SMTPPort:        configViper.GetInt("smtp.port"),
		SMTPUsername:    configViper.GetString("smtp.username"),
		SMTPPassword:    configViper.GetString("smtp.password"),
		MailFrom:        configViper.GetString("smtp.from"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("http.base_url is required")
	}
	if strings.TrimSpace(c.S3Bucket) == "" {
		return fmt.Errorf("s3.bucket is required")
	}
	return nil
}
