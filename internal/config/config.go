package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "FIELDMARK"
	defaultHTTPAddress      = "0.0.0.0:8065"
	defaultDatabasePath     = "fieldmark.db"
	defaultLogLevel         = "info"
	defaultFlushDelayMillis = 1500
	defaultMaxSubmissionKiB = 5 * 1024
)

// AppConfig captures runtime configuration for the record controller service.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SurveyID          string
	SurveyName        string
	TemplatePath      string
	SubmissionURL     string
	SubmissionToken   string
	MaxSubmissionSize int64
	FlushDelay        time.Duration
	ReturnURL         string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("upload.flush_delay_ms", defaultFlushDelayMillis)
	configViper.SetDefault("submit.max_size_kib", defaultMaxSubmissionKiB)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SurveyID:          configViper.GetString("survey.id"),
		SurveyName:        configViper.GetString("survey.name"),
		TemplatePath:      configViper.GetString("survey.template_path"),
		SubmissionURL:     configViper.GetString("submit.url"),
		SubmissionToken:   configViper.GetString("submit.auth_token"),
		MaxSubmissionSize: configViper.GetInt64("submit.max_size_kib") * 1024,
		FlushDelay:        time.Duration(configViper.GetInt("upload.flush_delay_ms")) * time.Millisecond,
		ReturnURL:         configViper.GetString("app.return_url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SurveyID) == "" {
		return fmt.Errorf("survey.id is required")
	}
	if strings.TrimSpace(c.SurveyName) == "" {
		return fmt.Errorf("survey.name is required")
	}
	if strings.TrimSpace(c.TemplatePath) == "" {
		return fmt.Errorf("survey.template_path is required")
	}
	if strings.TrimSpace(c.SubmissionURL) == "" {
		return fmt.Errorf("submit.url is required")
	}
	if c.FlushDelay < 0 {
		return fmt.Errorf("upload.flush_delay_ms must not be negative")
	}
	return nil
}
