package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/frame/config"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/business"
)

type SessionConfig struct {
	config.ConfigurationDefault

	// CredentialStorePath roots the local per-tenant credential files.
	CredentialStorePath string `envDefault:"/var/lib/wbot/credentials" env:"CREDENTIAL_STORE_PATH"`

	// CacheURI backs the session lock and shared pairing artifacts. Empty
	// falls back to an in-process cache, which is fine for a single replica.
	CacheURI string `envDefault:"" env:"CACHE_URI"`

	QueueCaptureMessagesName string `envDefault:"capture.messages"       env:"QUEUE_CAPTURE_MESSAGES_NAME"`
	QueueCaptureMessagesURI  string `envDefault:"mem://capture.messages" env:"QUEUE_CAPTURE_MESSAGES_URI"`

	QueueCaptureDeletionsName string `envDefault:"capture.deletions"       env:"QUEUE_CAPTURE_DELETIONS_NAME"`
	QueueCaptureDeletionsURI  string `envDefault:"mem://capture.deletions" env:"QUEUE_CAPTURE_DELETIONS_URI"`

	QueueCaptureStatusName string `envDefault:"capture.status"       env:"QUEUE_CAPTURE_STATUS_NAME"`
	QueueCaptureStatusURI  string `envDefault:"mem://capture.status" env:"QUEUE_CAPTURE_STATUS_URI"`

	QRPairingTimeoutSeconds   int `envDefault:"60" env:"QR_PAIRING_TIMEOUT_SECONDS"`
	CodePairingTimeoutSeconds int `envDefault:"10" env:"CODE_PAIRING_TIMEOUT_SECONDS"`
	SessionLockTTLSeconds     int `envDefault:"30" env:"SESSION_LOCK_TTL_SECONDS"`

	ReconnectBaseDelaySeconds int `envDefault:"5"   env:"RECONNECT_BASE_DELAY_SECONDS"`
	ReconnectMaxDelaySeconds  int `envDefault:"300" env:"RECONNECT_MAX_DELAY_SECONDS"`
	ReconnectMaxAttempts      int `envDefault:"10"  env:"RECONNECT_MAX_ATTEMPTS"`

	HealthCheckIntervalSeconds int `envDefault:"30" env:"HEALTH_CHECK_INTERVAL_SECONDS"`
	HealthFailureThreshold     int `envDefault:"3"  env:"HEALTH_FAILURE_THRESHOLD"`
	KeepAliveIntervalSeconds   int `envDefault:"15" env:"KEEP_ALIVE_INTERVAL_SECONDS"`

	ProcessedEventWindow           int `envDefault:"500" env:"PROCESSED_EVENT_WINDOW"`
	ActivityFreshnessWindowSeconds int `envDefault:"120" env:"ACTIVITY_FRESHNESS_WINDOW_SECONDS"`
}

// Validate checks that the configuration is valid.
// Returns an error if any validation fails.
func (c *SessionConfig) Validate() error {
	var errs []error

	if c.CredentialStorePath == "" {
		errs = append(errs, errors.New("CredentialStorePath cannot be empty"))
	}

	if err := validateQueueURI(c.QueueCaptureMessagesURI, "QueueCaptureMessagesURI"); err != nil {
		errs = append(errs, err)
	}
	if err := validateQueueURI(c.QueueCaptureDeletionsURI, "QueueCaptureDeletionsURI"); err != nil {
		errs = append(errs, err)
	}
	if err := validateQueueURI(c.QueueCaptureStatusURI, "QueueCaptureStatusURI"); err != nil {
		errs = append(errs, err)
	}

	if c.QRPairingTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("QRPairingTimeoutSeconds must be > 0"))
	}
	if c.CodePairingTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("CodePairingTimeoutSeconds must be > 0"))
	}
	if c.ReconnectBaseDelaySeconds <= 0 {
		errs = append(errs, errors.New("ReconnectBaseDelaySeconds must be > 0"))
	}
	if c.ReconnectMaxDelaySeconds < c.ReconnectBaseDelaySeconds {
		errs = append(errs, fmt.Errorf("ReconnectMaxDelaySeconds (%d) must be >= ReconnectBaseDelaySeconds (%d)",
			c.ReconnectMaxDelaySeconds, c.ReconnectBaseDelaySeconds))
	}
	if c.ReconnectMaxAttempts <= 0 {
		errs = append(errs, errors.New("ReconnectMaxAttempts must be > 0"))
	}
	if c.HealthFailureThreshold <= 0 {
		errs = append(errs, errors.New("HealthFailureThreshold must be > 0"))
	}
	if c.ProcessedEventWindow <= 0 {
		errs = append(errs, errors.New("ProcessedEventWindow must be > 0"))
	}

	return errors.Join(errs...)
}

// SupervisorSettings converts the configured knobs into the durations the
// session core consumes.
func (c *SessionConfig) SupervisorSettings() business.Settings {
	return business.Settings{
		QRPairingTimeout:        time.Duration(c.QRPairingTimeoutSeconds) * time.Second,
		CodePairingTimeout:      time.Duration(c.CodePairingTimeoutSeconds) * time.Second,
		LockTTL:                 time.Duration(c.SessionLockTTLSeconds) * time.Second,
		ReconnectBaseDelay:      time.Duration(c.ReconnectBaseDelaySeconds) * time.Second,
		ReconnectMaxDelay:       time.Duration(c.ReconnectMaxDelaySeconds) * time.Second,
		ReconnectMaxAttempts:    c.ReconnectMaxAttempts,
		HealthCheckInterval:     time.Duration(c.HealthCheckIntervalSeconds) * time.Second,
		HealthFailureThreshold:  c.HealthFailureThreshold,
		KeepAliveInterval:       time.Duration(c.KeepAliveIntervalSeconds) * time.Second,
		ProcessedEventWindow:    c.ProcessedEventWindow,
		ActivityFreshnessWindow: time.Duration(c.ActivityFreshnessWindowSeconds) * time.Second,
	}
}

// validateQueueURI checks that a queue URI has a valid scheme.
func validateQueueURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"mem://", "redis://", "amqp://", "nats://", "kafka://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}
