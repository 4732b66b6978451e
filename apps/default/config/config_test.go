package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() SessionConfig {
	return SessionConfig{
		CredentialStorePath:            "/var/lib/wbot/credentials",
		QueueCaptureMessagesURI:        "mem://capture.messages",
		QueueCaptureDeletionsURI:       "nats://broker/capture.deletions",
		QueueCaptureStatusURI:          "redis://broker/capture.status",
		QRPairingTimeoutSeconds:        60,
		CodePairingTimeoutSeconds:      10,
		SessionLockTTLSeconds:          30,
		ReconnectBaseDelaySeconds:      5,
		ReconnectMaxDelaySeconds:       300,
		ReconnectMaxAttempts:           10,
		HealthCheckIntervalSeconds:     30,
		HealthFailureThreshold:         3,
		KeepAliveIntervalSeconds:       15,
		ProcessedEventWindow:           500,
		ActivityFreshnessWindowSeconds: 120,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SessionConfig)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*SessionConfig) {},
		},
		{
			name:    "missing credential path",
			mutate:  func(c *SessionConfig) { c.CredentialStorePath = "" },
			wantErr: "CredentialStorePath cannot be empty",
		},
		{
			name:    "empty queue uri",
			mutate:  func(c *SessionConfig) { c.QueueCaptureMessagesURI = "" },
			wantErr: "QueueCaptureMessagesURI cannot be empty",
		},
		{
			name:    "unsupported queue scheme",
			mutate:  func(c *SessionConfig) { c.QueueCaptureStatusURI = "http://broker/capture" },
			wantErr: "QueueCaptureStatusURI has invalid scheme",
		},
		{
			name:    "zero qr timeout",
			mutate:  func(c *SessionConfig) { c.QRPairingTimeoutSeconds = 0 },
			wantErr: "QRPairingTimeoutSeconds must be > 0",
		},
		{
			name:    "zero code timeout",
			mutate:  func(c *SessionConfig) { c.CodePairingTimeoutSeconds = -1 },
			wantErr: "CodePairingTimeoutSeconds must be > 0",
		},
		{
			name:    "zero base delay",
			mutate:  func(c *SessionConfig) { c.ReconnectBaseDelaySeconds = 0 },
			wantErr: "ReconnectBaseDelaySeconds must be > 0",
		},
		{
			name: "max delay below base delay",
			mutate: func(c *SessionConfig) {
				c.ReconnectBaseDelaySeconds = 60
				c.ReconnectMaxDelaySeconds = 30
			},
			wantErr: "ReconnectMaxDelaySeconds (30) must be >= ReconnectBaseDelaySeconds (60)",
		},
		{
			name:    "zero reconnect attempts",
			mutate:  func(c *SessionConfig) { c.ReconnectMaxAttempts = 0 },
			wantErr: "ReconnectMaxAttempts must be > 0",
		},
		{
			name:    "zero failure threshold",
			mutate:  func(c *SessionConfig) { c.HealthFailureThreshold = 0 },
			wantErr: "HealthFailureThreshold must be > 0",
		},
		{
			name:    "zero event window",
			mutate:  func(c *SessionConfig) { c.ProcessedEventWindow = 0 },
			wantErr: "ProcessedEventWindow must be > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.CredentialStorePath = ""
	cfg.QRPairingTimeoutSeconds = 0
	cfg.ProcessedEventWindow = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CredentialStorePath")
	assert.Contains(t, err.Error(), "QRPairingTimeoutSeconds")
	assert.Contains(t, err.Error(), "ProcessedEventWindow")
}

func TestSupervisorSettingsConversion(t *testing.T) {
	cfg := validConfig()
	settings := cfg.SupervisorSettings()

	assert.Equal(t, time.Minute, settings.QRPairingTimeout)
	assert.Equal(t, 10*time.Second, settings.CodePairingTimeout)
	assert.Equal(t, 30*time.Second, settings.LockTTL)
	assert.Equal(t, 5*time.Second, settings.ReconnectBaseDelay)
	assert.Equal(t, 5*time.Minute, settings.ReconnectMaxDelay)
	assert.Equal(t, 10, settings.ReconnectMaxAttempts)
	assert.Equal(t, 30*time.Second, settings.HealthCheckInterval)
	assert.Equal(t, 3, settings.HealthFailureThreshold)
	assert.Equal(t, 15*time.Second, settings.KeepAliveInterval)
	assert.Equal(t, 500, settings.ProcessedEventWindow)
	assert.Equal(t, 2*time.Minute, settings.ActivityFreshnessWindow)
}
