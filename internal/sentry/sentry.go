package sentry

import (
	"fmt"
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/NeverVane/promptledger/internal/config"
	"github.com/NeverVane/promptledger/internal/logger"
)

// Client wraps the Sentry hub. Everything it sends passes the sanitizer
// first; notes, passwords, keys, tokens and account ids never leave the
// device.
type Client struct {
	hub         *sentry.Hub
	config      config.SentryConfig
	logger      *logger.Logger
	initialized bool
	version     string
	commit      string
}

// NewClient creates a client. A disabled config or an empty DSN yields a
// client that drops everything.
func NewClient(cfg *config.Config, version, commit string) (*Client, error) {
	client := &Client{
		logger:  logger.GetLogger().WithComponent("sentry"),
		version: version,
		commit:  commit,
	}
	if cfg != nil {
		client.config = cfg.Sentry
	}

	if err := client.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry client: %w", err)
	}
	return client, nil
}

func (c *Client) initialize() error {
	if !c.config.Enabled {
		c.logger.Debug().Msg("Sentry monitoring disabled")
		return nil
	}
	if c.config.DSN == "" {
		c.logger.Warn().Msg("Sentry DSN not configured, monitoring disabled")
		return nil
	}

	release := c.version
	if c.commit != "" {
		release = fmt.Sprintf("%s-%s", c.version, c.commit)
	}

	sentryClient, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              c.config.DSN,
		Environment:      c.config.Environment,
		Release:          release,
		SampleRate:       c.config.SampleRate,
		Debug:            c.config.Debug,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return sanitizeEvent(event)
		},
		BeforeBreadcrumb: func(breadcrumb *sentry.Breadcrumb, _ *sentry.BreadcrumbHint) *sentry.Breadcrumb {
			return sanitizeBreadcrumb(breadcrumb)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Sentry SDK: %w", err)
	}

	c.hub = sentry.NewHub(sentryClient, sentry.NewScope())
	c.initialized = true
	c.configureScope()

	c.logger.Info().
		Str("environment", c.config.Environment).
		Str("release", release).
		Float64("sample_rate", c.config.SampleRate).
		Msg("Sentry monitoring initialized")
	return nil
}

func (c *Client) configureScope() {
	c.hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("app.name", "promptledger")
		scope.SetTag("app.version", c.version)
		scope.SetTag("app.commit", c.commit)
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
		scope.SetTag("go_version", runtime.Version())
	})
}

// CaptureError reports err under component and operation. Only the error's
// sanitized message and the given tags are sent.
func (c *Client) CaptureError(err error, component, operation string, tags map[string]string) {
	if !c.initialized || err == nil {
		return
	}

	c.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetTag("operation", operation)
		for key, value := range tags {
			scope.SetTag(key, SanitizeValue(value))
		}
		c.hub.CaptureException(err)
	})

	c.logger.Debug().
		Str("component", component).
		Str("operation", operation).
		Msg("Error captured by Sentry")
}

// CaptureMessage reports a message at the given level
func (c *Client) CaptureMessage(message, level, component, operation string) {
	if !c.initialized {
		return
	}

	c.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetTag("operation", operation)
		scope.SetLevel(parseLevel(level))
		c.hub.CaptureMessage(SanitizeValue(message))
	})
}

// AddBreadcrumb records a sanitized breadcrumb
func (c *Client) AddBreadcrumb(category, message, level string) {
	if !c.initialized {
		return
	}
	c.hub.AddBreadcrumb(&sentry.Breadcrumb{
		Category:  category,
		Message:   message,
		Level:     parseLevel(level),
		Timestamp: time.Now(),
	}, nil)
}

func parseLevel(level string) sentry.Level {
	switch level {
	case "debug":
		return sentry.LevelDebug
	case "warn", "warning":
		return sentry.LevelWarning
	case "error":
		return sentry.LevelError
	case "fatal", "panic":
		return sentry.LevelFatal
	default:
		return sentry.LevelInfo
	}
}

// Flush flushes pending events
func (c *Client) Flush(timeout time.Duration) bool {
	if !c.initialized {
		return true
	}
	return c.hub.Flush(timeout)
}

// Close flushes and disables the client
func (c *Client) Close() {
	if c.initialized {
		c.Flush(2 * time.Second)
		c.initialized = false
		c.logger.Debug().Msg("Sentry client closed")
	}
}

// IsEnabled returns whether events are sent
func (c *Client) IsEnabled() bool {
	return c.initialized
}
