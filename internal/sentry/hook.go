package sentry

import (
	"github.com/rs/zerolog"
)

// ZerologHook forwards log events to Sentry. Errors and worse become
// events, warnings become breadcrumbs, everything below is ignored.
//
// zerolog does not expose the fields of an event to hooks, so only the
// sanitized message and level travel. The component is carried on the
// breadcrumb category when the caller sets one with WithComponent.
type ZerologHook struct {
	client    *Client
	component string
}

// NewZerologHook creates a new zerolog hook for Sentry integration
func NewZerologHook(client *Client) *ZerologHook {
	return &ZerologHook{client: client, component: "log"}
}

// WithComponent returns a copy of the hook that tags events with component
func (h *ZerologHook) WithComponent(component string) *ZerologHook {
	return &ZerologHook{client: h.client, component: component}
}

// Run is called by zerolog for each log event
func (h *ZerologHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if h.client == nil || !h.client.IsEnabled() || msg == "" {
		return
	}

	switch level {
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		h.client.CaptureMessage(msg, level.String(), h.component, "log")
	case zerolog.WarnLevel:
		h.client.AddBreadcrumb(h.component, msg, level.String())
	}
}
