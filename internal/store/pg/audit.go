package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"threatdesk.io/internal/auth"
	"threatdesk.io/internal/ids"
	"threatdesk.io/internal/obs"
)

// AuditSink appends audit events to the audit_events table. Failures are
// logged, never returned: the auth core treats the sink as
// fire-and-forget.
type AuditSink struct {
	db *sql.DB
}

var _ auth.AuditSink = (*AuditSink)(nil)

func NewAuditSink(db *sql.DB) *AuditSink { return &AuditSink{db: db} }

func (s *AuditSink) Record(ctx context.Context, ev auth.Event) {
	ts := ev.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	fields, _ := json.Marshal(ev.Context)
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events(id, occurred_at, kind, actor, source_ip, fields)
		values($1,$2,$3,$4,$5,$6)`,
		ids.New(), ts, ev.Kind, ev.Actor, ev.SourceIP, fields,
	)
	if err != nil {
		obs.LogEntry(map[string]any{
			"level": "error",
			"msg":   "audit append failed",
			"event": ev.Kind,
			"error": err.Error(),
		})
	}
}
