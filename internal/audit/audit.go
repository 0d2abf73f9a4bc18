// Package audit provides sinks for the security events the auth core
// emits on every account and key state transition.
package audit

import (
	"context"
	"time"

	"threatdesk.io/internal/auth"
	"threatdesk.io/internal/obs"
)

// LogSink writes audit events as structured JSON log lines through the
// shared service logger.
type LogSink struct{}

var _ auth.AuditSink = LogSink{}

// Record emits one audit line. Fire-and-forget: marshal failures are
// handled by the logger, nothing propagates to the caller.
func (LogSink) Record(_ context.Context, ev auth.Event) {
	ts := ev.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	entry := map[string]any{
		"ts":    ts.Format(time.RFC3339Nano),
		"type":  "audit",
		"event": ev.Kind,
		"actor": ev.Actor,
	}
	if ev.SourceIP != "" {
		entry["source_ip"] = ev.SourceIP
	}
	if len(ev.Context) > 0 {
		entry["fields"] = ev.Context
	}
	obs.LogEntry(entry)
}

// FanoutSink delivers each event to every wrapped sink in order.
type FanoutSink []auth.AuditSink

var _ auth.AuditSink = FanoutSink(nil)

func (s FanoutSink) Record(ctx context.Context, ev auth.Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Record(ctx, ev)
		}
	}
}
