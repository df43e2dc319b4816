package store

import (
	"fmt"
	"strings"
	"time"
)

// buildFilter renders a Filter as a WHERE clause with $N placeholders.
// formatTime converts time bounds for the backend's column type; nil keeps
// them as time.Time (Postgres TIMESTAMPTZ).
func buildFilter(f Filter, formatTime func(time.Time) interface{}) (string, []interface{}) {
	if formatTime == nil {
		formatTime = func(t time.Time) interface{} { return t.UTC() }
	}

	var clauses []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Operation != "" {
		add("operation = $%d", string(f.Operation))
	}
	if !f.From.IsZero() {
		add("server_time >= $%d", formatTime(f.From))
	}
	if !f.To.IsZero() {
		add("server_time <= $%d", formatTime(f.To))
	}
	if f.AfterSeq > 0 {
		add("seq > $%d", f.AfterSeq)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
