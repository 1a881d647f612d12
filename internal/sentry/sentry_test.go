package sentry

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeverVane/promptledger/internal/config"
)

func enabledConfig() *config.Config {
	return &config.Config{
		Sentry: config.SentryConfig{
			Enabled:     true,
			DSN:         "https://public@example.com/1",
			Environment: "test",
			SampleRate:  1.0,
		},
	}
}

func TestSentryClient_Initialize(t *testing.T) {
	tests := []struct {
		name       string
		config     *config.Config
		expectInit bool
	}{
		{"successful initialization", enabledConfig(), true},
		{"disabled sentry", &config.Config{Sentry: config.SentryConfig{Enabled: false}}, false},
		{"empty DSN", &config.Config{Sentry: config.SentryConfig{Enabled: true}}, false},
		{"nil config", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.config, "1.0.0", "abc123")
			require.NoError(t, err)
			require.NotNil(t, client)
			assert.Equal(t, tt.expectInit, client.IsEnabled())
			client.Close()
			assert.False(t, client.IsEnabled())
		})
	}
}

func TestSanitizeValue(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		forbidden string
		contains  string
	}{
		{"password assignment", "unlock failed: password=hunter2", "hunter2", "password: [REDACTED]"},
		{"note field", "note='regexes-help'", "regexes", "[REDACTED]"},
		{"bearer token", "Authorization Bearer abc.def.ghi", "abc.def", "[REDACTED]"},
		{"access token header", "X-Access-Token: 9f86d081884c7d65", "9f86d081884c7d65", "[REDACTED]"},
		{"account id", "account 3f2b8c1e-9a4d-4e6f-8b2a-1c3d5e7f9a0b not found", "3f2b8c1e", "[ID]"},
		{"hex salt", "derived from 0123456789abcdef0123456789abcdef", "0123456789abcdef", "[HEX]"},
		{"ciphertext", "bad blob q83vEjRWeJq83vEjRWeJq83vEjRWeJq83vEjRWeJq80=", "q83vEjRWeJ", "[BLOB]"},
		{"email", "contact alice@example.com", "alice@example.com", "[EMAIL]"},
		{"home directory", "open /home/alice/.local/share/promptledger/ledger.db", "alice", "[USER_HOME]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeValue(tt.input)
			assert.NotContains(t, got, tt.forbidden)
			assert.Contains(t, got, tt.contains)
		})
	}

	assert.Equal(t, "", SanitizeValue(""))
	assert.Equal(t, "sync failed: relay unavailable", SanitizeValue("sync failed: relay unavailable"))
}

func TestSanitizeMap(t *testing.T) {
	got := sanitizeMap(map[string]interface{}{
		"note_length":  1600,
		"account_id":   "3f2b8c1e-9a4d-4e6f-8b2a-1c3d5e7f9a0b",
		"Password":     "hunter2",
		"model":        "gpt-4o",
		"path":         "/home/bob/x",
		"record_count": 3,
	})

	assert.Equal(t, redacted, got["note_length"])
	assert.Equal(t, redacted, got["account_id"])
	assert.Equal(t, redacted, got["Password"])
	assert.Equal(t, "gpt-4o", got["model"])
	assert.Equal(t, "[USER_HOME]/x", got["path"])
	assert.Equal(t, 3, got["record_count"])
	assert.Nil(t, sanitizeMap(nil))
}

func TestSanitizeEvent(t *testing.T) {
	event := &sentry.Event{
		Message:    "refresh failed for account 3f2b8c1e-9a4d-4e6f-8b2a-1c3d5e7f9a0b",
		ServerName: "alice-laptop",
		User:       sentry.User{ID: "alice"},
		Tags:       map[string]string{"component": "sync", "session": "abc"},
		Extra:      map[string]interface{}{"note": "my prompt", "attempt": 2},
		Exception:  []sentry.Exception{{Value: "password=hunter2 rejected"}},
		Request: &sentry.Request{
			URL:         "http://relay/accounts/3f2b8c1e-9a4d-4e6f-8b2a-1c3d5e7f9a0b/records",
			QueryString: "x=1",
			Headers:     map[string]string{"X-Access-Token": "deadbeef", "Accept": "application/json"},
		},
	}

	got := sanitizeEvent(event)
	require.NotNil(t, got)
	assert.NotContains(t, got.Message, "3f2b8c1e")
	assert.NotContains(t, got.Exception[0].Value, "hunter2")
	assert.Equal(t, "sync", got.Tags["component"])
	assert.Equal(t, redacted, got.Tags["session"])
	assert.Equal(t, redacted, got.Extra["note"])
	assert.Equal(t, 2, got.Extra["attempt"])
	assert.Empty(t, got.User.ID)
	assert.Empty(t, got.ServerName)
	assert.NotContains(t, got.Request.URL, "3f2b8c1e")
	assert.Empty(t, got.Request.QueryString)
	assert.Equal(t, redacted, got.Request.Headers["X-Access-Token"])
	assert.Equal(t, "application/json", got.Request.Headers["Accept"])

	assert.Nil(t, sanitizeEvent(nil))
}

func TestSanitizeBreadcrumb(t *testing.T) {
	crumb := sanitizeBreadcrumb(&sentry.Breadcrumb{
		Category: "sync",
		Message:  "token=abc123 refreshed",
		Data:     map[string]interface{}{"title": "Plan", "records": 4},
	})
	assert.NotContains(t, crumb.Message, "abc123")
	assert.Equal(t, redacted, crumb.Data["title"])
	assert.Equal(t, 4, crumb.Data["records"])
	assert.Nil(t, sanitizeBreadcrumb(nil))
}

func TestManager_Disabled(t *testing.T) {
	m, err := NewManager(&config.Config{}, "1.0.0", "")
	require.NoError(t, err)
	assert.False(t, m.IsEnabled())
	assert.Nil(t, m.Hook())

	assert.NotPanics(t, func() {
		m.CaptureError(errors.New("boom"), "sync", "refresh")
		m.CaptureMessage("msg", "error", "sync", "refresh")
		m.AddBreadcrumb("sync", "msg", "info")
	})
	assert.True(t, m.Flush(time.Millisecond))
	m.Close()
}

func TestManager_Enabled(t *testing.T) {
	m, err := NewManager(enabledConfig(), "1.0.0", "abc")
	require.NoError(t, err)
	assert.True(t, m.IsEnabled())

	hook := m.Hook()
	require.NotNil(t, hook)
	log := zerolog.New(io.Discard).Hook(hook.WithComponent("sync"))
	assert.NotPanics(t, func() {
		log.Error().Msg("refresh failed")
		log.Warn().Msg("retrying")
	})

	m.Close()
	assert.False(t, m.IsEnabled())
	m.Close()
}

func TestComponentReporter(t *testing.T) {
	var reporter interface {
		CaptureError(err error, operation string, tags ...map[string]string)
	} = GetManager().WithComponent("sync")

	assert.NotPanics(t, func() {
		reporter.CaptureError(errors.New("auth rejected"), "add_record", map[string]string{"kind": "auth_rejected"})
		reporter.CaptureError(nil, "add_record")
	})
}

func TestZerologHook_DisabledClient(t *testing.T) {
	client, err := NewClient(&config.Config{}, "1.0.0", "")
	require.NoError(t, err)

	hook := NewZerologHook(client)
	assert.NotPanics(t, func() {
		hook.Run(nil, zerolog.ErrorLevel, "boom")
		(&ZerologHook{}).Run(nil, zerolog.ErrorLevel, "boom")
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, sentry.LevelDebug, parseLevel("debug"))
	assert.Equal(t, sentry.LevelWarning, parseLevel("warn"))
	assert.Equal(t, sentry.LevelError, parseLevel("error"))
	assert.Equal(t, sentry.LevelFatal, parseLevel("panic"))
	assert.Equal(t, sentry.LevelInfo, parseLevel("other"))
}
