package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

const (
	ProviderSMTP     = "smtp"
	ProviderSendGrid = "sendgrid"
	ProviderMailgun  = "mailgun"
	ProviderPostmark = "postmark"
	ProviderSES      = "ses"
)

// SMTPConfig is a resolved SMTP relay endpoint.
type SMTPConfig struct {
	Host     string        `env:"SMTP_HOST"`
	Port     int           `env:"SMTP_PORT"     envDefault:"587"`
	Secure   bool          `env:"SMTP_SECURE"`
	Username string        `env:"SMTP_USERNAME"`
	Password string        `env:"SMTP_PASSWORD"`
	Timeout  time.Duration `env:"SMTP_TIMEOUT"  envDefault:"30s"`
}

// Config selects a provider. Hosted relays only need MAIL_API_KEY; the raw
// smtp provider reads the SMTP_* variables.
type Config struct {
	Provider  string `env:"MAIL_PROVIDER" envDefault:"smtp"`
	From      string `env:"MAIL_FROM"     envDefault:"Lab Notifications <notifications@labnotify.local>"`
	APIKey    string `env:"MAIL_API_KEY"`
	Username  string `env:"MAIL_USERNAME"`
	SESRegion string `env:"SES_REGION"`
	AWSRegion string `env:"AWS_REGION"    envDefault:"us-east-1"`
	SMTP      SMTPConfig
}

// LoadConfigFromEnv reads mail settings from the environment.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, &ConfigurationError{Reason: fmt.Sprintf("parse env: %v", err)}
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	return cfg, nil
}

type relayPreset struct {
	host        string
	port        int
	keyAsUser   bool
	fixedUser   string
	needsUserID bool
}

var relayPresets = map[string]relayPreset{
	ProviderSendGrid: {host: "smtp.sendgrid.net", port: 587, fixedUser: "apikey"},
	ProviderMailgun:  {host: "smtp.mailgun.org", port: 587, needsUserID: true},
	ProviderPostmark: {host: "smtp.postmarkapp.com", port: 587, keyAsUser: true},
}

// ResolveSMTP expands a hosted relay preset into concrete SMTP settings.
// For ProviderSMTP the SMTP block is returned unchanged.
func (c Config) ResolveSMTP() (SMTPConfig, error) {
	if c.Provider == ProviderSMTP {
		return c.SMTP, nil
	}

	preset, ok := relayPresets[c.Provider]
	if !ok {
		return SMTPConfig{}, &ConfigurationError{Provider: c.Provider, Reason: "not an SMTP relay provider"}
	}
	if c.APIKey == "" {
		return SMTPConfig{}, &ConfigurationError{Provider: c.Provider, Reason: "MAIL_API_KEY is required"}
	}

	out := SMTPConfig{
		Host:     preset.host,
		Port:     preset.port,
		Password: c.APIKey,
		Timeout:  c.SMTP.Timeout,
	}
	switch {
	case preset.fixedUser != "":
		out.Username = preset.fixedUser
	case preset.keyAsUser:
		out.Username = c.APIKey
	case preset.needsUserID:
		if c.Username == "" {
			return SMTPConfig{}, &ConfigurationError{Provider: c.Provider, Reason: "MAIL_USERNAME is required"}
		}
		out.Username = c.Username
	}
	return out, nil
}

// NewTransport builds the transport for cfg.Provider. Any returned error is
// a *ConfigurationError and should stop startup.
func NewTransport(ctx context.Context, cfg Config, logger *zap.Logger) (Transport, error) {
	if cfg.From == "" {
		return nil, &ConfigurationError{Provider: cfg.Provider, Reason: "MAIL_FROM is required"}
	}
	if _, err := parseAddress(cfg.From); err != nil {
		return nil, &ConfigurationError{Provider: cfg.Provider, Reason: fmt.Sprintf("invalid MAIL_FROM: %v", err)}
	}

	switch cfg.Provider {
	case ProviderSES:
		region := cfg.SESRegion
		if region == "" {
			region = cfg.AWSRegion
		}
		t, err := NewSESTransport(ctx, region, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	case ProviderSMTP, ProviderSendGrid, ProviderMailgun, ProviderPostmark:
		smtpCfg, err := cfg.ResolveSMTP()
		if err != nil {
			return nil, err
		}
		logger.Info("mail transport configured",
			zap.String("provider", cfg.Provider),
			zap.String("host", smtpCfg.Host),
			zap.Int("port", smtpCfg.Port),
			zap.Bool("secure", smtpCfg.Secure),
		)
		t, err := NewSMTPTransport(smtpCfg, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, &ConfigurationError{Provider: cfg.Provider, Reason: "unsupported MAIL_PROVIDER"}
	}
}
