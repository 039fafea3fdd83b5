// Package notify implements the pluggable notification sinks that deliver
// AlertEvents to an external channel. Only stdout and chat_webhook (Slack)
// are wired to a concrete backend; email, generic_webhook and custom stay
// stub collaborators, matching the teacher's plugin-registry shape
// (services/orchestrator/plugins.go PluginRegistry) where not every
// declared plugin type has a production backend. The Slack sink goes
// through internal/platform/resilience so a flaky or dead webhook gets
// retried with backoff and, past a sustained failure rate, short-circuited
// instead of hammered on every alert.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"github.com/scriptguard/runner/internal/model"
	"github.com/scriptguard/runner/internal/platform/resilience"
)

// Sink delivers one alert event to a destination.
type Sink interface {
	Send(ctx context.Context, event model.AlertEvent) error
}

// Registry resolves a named channel (as referenced by AlertRule.Channels)
// to a configured Sink.
type Registry map[string]Sink

// Send dispatches event to the channel named, returning an error if the
// channel is unconfigured. Sink failures are the caller's concern to log;
// they never escalate into execution failures.
func (r Registry) Send(ctx context.Context, channel string, event model.AlertEvent) error {
	sink, ok := r[channel]
	if !ok {
		return fmt.Errorf("notify: unconfigured channel %q", channel)
	}
	return sink.Send(ctx, event)
}

// StdoutSink logs alert events through the structured logger.
type StdoutSink struct {
	Log *slog.Logger
}

func (s StdoutSink) Send(_ context.Context, event model.AlertEvent) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Warn("alert fired", "rule", event.RuleName, "severity", event.Severity, "timestamp", event.Timestamp)
	return nil
}

// ChatWebhookSink posts alert events to a Slack incoming webhook behind a
// circuit breaker, retrying transient failures with backoff.
type ChatWebhookSink struct {
	WebhookURL string
	breaker    *resilience.CircuitBreaker
}

// NewChatWebhookSink builds a ChatWebhookSink with its own circuit breaker
// instance so repeated failures against one webhook don't bleed into
// delivery for others.
func NewChatWebhookSink(webhookURL string) ChatWebhookSink {
	return ChatWebhookSink{
		WebhookURL: webhookURL,
		breaker:    resilience.NewCircuitBreaker(30*time.Second, 6, 3, 0.5, 15*time.Second, 2),
	}
}

func (s ChatWebhookSink) Send(ctx context.Context, event model.AlertEvent) error {
	if s.breaker != nil && !s.breaker.Allow() {
		return fmt.Errorf("notify: chat webhook circuit open for %s", event.RuleName)
	}
	_, err := resilience.Retry(ctx, 3, 500*time.Millisecond, func() (struct{}, error) {
		msg := &slack.WebhookMessage{
			Text: fmt.Sprintf("[%s] alert %s fired at %s", event.Severity, event.RuleName, event.Timestamp.Format("15:04:05")),
		}
		return struct{}{}, slack.PostWebhookContext(ctx, s.WebhookURL, msg)
	})
	if s.breaker != nil {
		s.breaker.RecordResult(err == nil)
	}
	return err
}

// unconfiguredSink satisfies Sink for channel types that are declared in
// configuration but not wired to a backend in this deployment profile.
type unconfiguredSink struct{ kind string }

func (u unconfiguredSink) Send(context.Context, model.AlertEvent) error {
	return fmt.Errorf("notify: sink kind %q is not configured", u.kind)
}

// NewEmailSink returns the stub email sink.
func NewEmailSink() Sink { return unconfiguredSink{kind: "email"} }

// NewGenericWebhookSink returns the stub generic-webhook sink.
func NewGenericWebhookSink() Sink { return unconfiguredSink{kind: "generic_webhook"} }

// NewCustomSink returns the stub custom-sink collaborator.
func NewCustomSink() Sink { return unconfiguredSink{kind: "custom"} }
