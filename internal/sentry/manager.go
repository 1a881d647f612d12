package sentry

import (
	"fmt"
	"sync"
	"time"

	"github.com/NeverVane/promptledger/internal/config"
	"github.com/NeverVane/promptledger/internal/logger"
)

// Manager provides global access to Sentry functionality
type Manager struct {
	client      *Client
	logger      *logger.Logger
	initialized bool
	mu          sync.RWMutex
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// Initialize initializes the global Sentry manager
func Initialize(cfg *config.Config, version, commit string) error {
	var initErr error

	managerOnce.Do(func() {
		m, err := NewManager(cfg, version, commit)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize Sentry manager: %w", err)
			return
		}
		globalManager = m
	})

	return initErr
}

// NewManager builds a manager without touching the global instance
func NewManager(cfg *config.Config, version, commit string) (*Manager, error) {
	client, err := NewClient(cfg, version, commit)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sentry client: %w", err)
	}

	m := &Manager{
		client:      client,
		logger:      logger.GetLogger().WithComponent("sentry-manager"),
		initialized: true,
	}
	m.logger.Debug().
		Bool("enabled", client.IsEnabled()).
		Str("version", version).
		Msg("Sentry manager initialized")
	return m, nil
}

// GetManager returns the global Sentry manager instance
func GetManager() *Manager {
	if globalManager == nil {
		// Safe no-op manager
		return &Manager{
			logger: logger.GetLogger().WithComponent("sentry-manager-noop"),
		}
	}
	return globalManager
}

// IsEnabled returns whether Sentry monitoring is enabled
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.initialized && m.client != nil && m.client.IsEnabled()
}

// CaptureError captures an error with safe context
func (m *Manager) CaptureError(err error, component, operation string, tags ...map[string]string) {
	if !m.IsEnabled() || err == nil {
		return
	}
	m.client.CaptureError(err, component, operation, mergeTags(tags))
}

// CaptureMessage captures a message with safe context
func (m *Manager) CaptureMessage(message, level, component, operation string) {
	if !m.IsEnabled() {
		return
	}
	m.client.CaptureMessage(message, level, component, operation)
}

// AddBreadcrumb adds a breadcrumb for operation tracking
func (m *Manager) AddBreadcrumb(category, message, level string) {
	if !m.IsEnabled() {
		return
	}
	m.client.AddBreadcrumb(category, message, level)
}

// Hook returns a zerolog hook that forwards error-level log lines to this
// manager, or nil when monitoring is off.
func (m *Manager) Hook() *ZerologHook {
	if !m.IsEnabled() {
		return nil
	}
	return NewZerologHook(m.client)
}

// WithComponent creates a component-specific error reporter
func (m *Manager) WithComponent(component string) *ComponentReporter {
	return &ComponentReporter{
		manager:   m,
		component: component,
	}
}

// Flush flushes pending Sentry events
func (m *Manager) Flush(timeout time.Duration) bool {
	if !m.IsEnabled() {
		return true
	}
	return m.client.Flush(timeout)
}

// Close closes the Sentry manager and client
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return
	}
	if m.client != nil {
		m.client.Close()
	}
	m.initialized = false
}

func mergeTags(tags []map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, tagMap := range tags {
		for k, v := range tagMap {
			merged[k] = v
		}
	}
	return merged
}

// ComponentReporter provides component-specific error reporting
type ComponentReporter struct {
	manager   *Manager
	component string
}

// CaptureError captures an error for this component
func (cr *ComponentReporter) CaptureError(err error, operation string, tags ...map[string]string) {
	cr.manager.CaptureError(err, cr.component, operation, tags...)
}

// AddBreadcrumb adds a breadcrumb for this component
func (cr *ComponentReporter) AddBreadcrumb(message, level string) {
	cr.manager.AddBreadcrumb(cr.component, message, level)
}

func CaptureError(err error, component, operation string, tags ...map[string]string) {
	GetManager().CaptureError(err, component, operation, tags...)
}

func WithComponent(component string) *ComponentReporter {
	return GetManager().WithComponent(component)
}

func IsEnabled() bool {
	return GetManager().IsEnabled()
}

func Flush(timeout time.Duration) bool {
	return GetManager().Flush(timeout)
}

func Close() {
	GetManager().Close()
}
