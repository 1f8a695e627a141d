package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/sms-dispatch/internal/domain"
	"github.com/kursadbilgin/sms-dispatch/internal/provider"
	"github.com/kursadbilgin/sms-dispatch/internal/retry"
	"github.com/kursadbilgin/sms-dispatch/internal/service"
)

type Config struct {
	DatabaseDSN       string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL       string `env:"RABBITMQ_URL,required=true"`
	RedisURL          string `env:"REDIS_URL,required=true"`
	APIPort           int    `env:"API_PORT,default=8080"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=4"`
	WorkerMetricsPort int    `env:"WORKER_METRICS_PORT,default=9091"`

	SMSDriver           string `env:"SMS_DRIVER,default=twilio"`
	SMSQueue            bool   `env:"SMS_QUEUE,default=false"`
	SMSStoreMessages    bool   `env:"SMS_STORE_MESSAGES,default=true"`
	SendRatePerSec      int    `env:"SMS_SEND_RATE_PER_SEC,default=10"`
	RetryMaxAttempts    int    `env:"SMS_RETRY_MAX_ATTEMPTS,default=3"`
	RetryBackoffStartMs int    `env:"SMS_RETRY_BACKOFF_START_MS,default=200"`

	PollEnabled           bool `env:"SMS_POLL_ENABLED,default=false"`
	PollIntervalSeconds   int  `env:"SMS_POLL_INTERVAL_SECONDS,default=60"`
	PollMinAgeSeconds     int  `env:"SMS_POLL_MIN_AGE_SECONDS,default=60"`
	PollMaxAttempts       int  `env:"SMS_POLL_MAX_ATTEMPTS,default=5"`
	PollQueuedMaxAttempts int  `env:"SMS_POLL_QUEUED_MAX_ATTEMPTS,default=2"`
	PollBackoffSeconds    int  `env:"SMS_POLL_BACKOFF_SECONDS,default=300"`
	PollBatchLimit        int  `env:"SMS_POLL_BATCH_LIMIT,default=100"`

	WebhookSecret           string `env:"WEBHOOK_SECRET"`
	WebhookRateLimitPerMin  int    `env:"WEBHOOK_RATE_LIMIT_PER_MIN,default=60"`
	WebhookVerifySignatures bool   `env:"WEBHOOK_VERIFY_SIGNATURES,default=true"`
	WebhookPublicBaseURL    string `env:"WEBHOOK_PUBLIC_BASE_URL"`

	BreakerMaxRequests     int     `env:"BREAKER_MAX_REQUESTS,default=3"`
	BreakerIntervalSeconds int     `env:"BREAKER_INTERVAL_SECONDS,default=60"`
	BreakerTimeoutSeconds  int     `env:"BREAKER_TIMEOUT_SECONDS,default=30"`
	BreakerFailureRatio    float64 `env:"BREAKER_FAILURE_RATIO,default=0.6"`
	BreakerMinRequests     int     `env:"BREAKER_MIN_REQUESTS,default=5"`

	TwilioAccountSID           string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken            string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber           string `env:"TWILIO_FROM_NUMBER"`
	TwilioMessagingServiceSID  string `env:"TWILIO_MESSAGING_SERVICE_SID"`
	TwilioUseConversations     bool   `env:"TWILIO_USE_CONVERSATIONS,default=false"`
	TwilioStatusCallbackURL    string `env:"TWILIO_STATUS_CALLBACK_URL"`
	TwilioAPIBaseURL           string `env:"TWILIO_API_BASE_URL"`
	TwilioConversationsBaseURL string `env:"TWILIO_CONVERSATIONS_BASE_URL"`

	TelnyxAPIKey             string `env:"TELNYX_API_KEY"`
	TelnyxMessagingProfileID string `env:"TELNYX_MESSAGING_PROFILE_ID"`
	TelnyxFromNumber         string `env:"TELNYX_FROM_NUMBER"`
	TelnyxWebhookURL         string `env:"TELNYX_WEBHOOK_URL"`
	TelnyxPublicKey          string `env:"TELNYX_PUBLIC_KEY"`
	TelnyxAPIBaseURL         string `env:"TELNYX_API_BASE_URL"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.SMSDriver = domain.NormalizeDriver(cfg.SMSDriver)
	if cfg.SMSDriver == "" {
		cfg.SMSDriver = domain.DriverTwilio
	}
	return &cfg, nil
}

func (c *Config) TwilioConfig() provider.DriverConfig {
	useConversations := c.TwilioUseConversations
	return provider.DriverConfig{
		AccountSID:           strings.TrimSpace(c.TwilioAccountSID),
		AuthToken:            strings.TrimSpace(c.TwilioAuthToken),
		FromNumber:           strings.TrimSpace(c.TwilioFromNumber),
		MessagingServiceSID:  strings.TrimSpace(c.TwilioMessagingServiceSID),
		StatusCallbackURL:    strings.TrimSpace(c.TwilioStatusCallbackURL),
		BaseURL:              strings.TrimSpace(c.TwilioAPIBaseURL),
		ConversationsBaseURL: strings.TrimSpace(c.TwilioConversationsBaseURL),
		UseConversations:     &useConversations,
	}
}

func (c *Config) TelnyxConfig() provider.DriverConfig {
	return provider.DriverConfig{
		APIKey:             strings.TrimSpace(c.TelnyxAPIKey),
		FromNumber:         strings.TrimSpace(c.TelnyxFromNumber),
		MessagingProfileID: strings.TrimSpace(c.TelnyxMessagingProfileID),
		WebhookURL:         strings.TrimSpace(c.TelnyxWebhookURL),
		PublicKey:          strings.TrimSpace(c.TelnyxPublicKey),
		BaseURL:            strings.TrimSpace(c.TelnyxAPIBaseURL),
	}
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.NewPolicy(c.RetryMaxAttempts, c.RetryBackoffStartMs)
}

func (c *Config) BreakerConfig() provider.BreakerConfig {
	return provider.BreakerConfig{
		MaxRequests:  uint32(max(c.BreakerMaxRequests, 0)),
		Interval:     seconds(c.BreakerIntervalSeconds),
		Timeout:      seconds(c.BreakerTimeoutSeconds),
		FailureRatio: c.BreakerFailureRatio,
		MinRequests:  uint32(max(c.BreakerMinRequests, 0)),
	}
}

func (c *Config) ManagerConfig() provider.ManagerConfig {
	return provider.ManagerConfig{
		DefaultDriver: c.SMSDriver,
		Drivers: map[string]provider.DriverConfig{
			domain.DriverTwilio: c.TwilioConfig(),
			domain.DriverTelnyx: c.TelnyxConfig(),
		},
		Retry:   c.RetryPolicy(),
		Breaker: c.BreakerConfig(),
	}
}

func (c *Config) SendConfig() service.SendConfig {
	return service.SendConfig{
		QueueEnabled:  c.SMSQueue,
		StoreMessages: c.SMSStoreMessages,
	}
}

func (c *Config) PollConfig() service.PollConfig {
	return service.PollConfig{
		Enabled:           c.PollEnabled,
		Interval:          seconds(c.PollIntervalSeconds),
		MinAge:            seconds(c.PollMinAgeSeconds),
		MaxAttempts:       c.PollMaxAttempts,
		QueuedMaxAttempts: c.PollQueuedMaxAttempts,
		Backoff:           seconds(c.PollBackoffSeconds),
		BatchLimit:        c.PollBatchLimit,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
