// Package event defines the immutable ledger record and the client-submitted
// envelope it is built from, together with boundary validation.
package event

import (
	"time"
)

// Operation identifies the kind of state change an event records.
type Operation string

const (
	OpCreate  Operation = "CREATE"
	OpUpdate  Operation = "UPDATE"
	OpCorrect Operation = "CORRECT"
	OpDelete  Operation = "DELETE"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpCorrect, OpDelete:
		return true
	}
	return false
}

// Origin describes where an envelope was produced. Captured verbatim for
// audit; never interpreted by the server.
type Origin struct {
	DeviceID  string `json:"device_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	AppVer    string `json:"app_version,omitempty"`
	Network   string `json:"network,omitempty"`
}

// Event is one immutable record in the ledger. Once persisted no field may
// change; corrections are new Events referencing this one via ParentEventID.
type Event struct {
	EventID  string `json:"event_id"`
	Sequence int64  `json:"sequence"`
	EntityID string `json:"entity_id"`
	TenantID string `json:"tenant_id"`

	Operation Operation `json:"operation"`
	ActorID   string    `json:"actor_id"`
	ActorRole string    `json:"actor_role"`

	Payload map[string]interface{} `json:"payload,omitempty"`

	// ClientTime is stamped by the (possibly offline) client; ServerTime is
	// assigned on receipt. Both are kept, neither overwrites the other.
	ClientTime time.Time `json:"client_time"`
	ServerTime time.Time `json:"server_time"`

	// ParentEventID forms the per-entity version chain. It is distinct from
	// the global append order carried by PrevHash.
	ParentEventID string `json:"parent_event_id,omitempty"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`

	SchemaVersion string `json:"schema_version"`
	Origin        Origin `json:"origin"`
}

// Signable returns the fields covered by the chain hash, in a shape whose
// canonical form is stable. PrevHash is excluded here because it is the
// suffix of the digest input; Hash is excluded because it is the output.
func (e *Event) Signable() map[string]interface{} {
	return map[string]interface{}{
		"event_id":        e.EventID,
		"entity_id":       e.EntityID,
		"tenant_id":       e.TenantID,
		"operation":       string(e.Operation),
		"actor_id":        e.ActorID,
		"actor_role":      e.ActorRole,
		"payload":         e.Payload,
		"client_time":     e.ClientTime.UTC().Format(time.RFC3339Nano),
		"server_time":     e.ServerTime.UTC().Format(time.RFC3339Nano),
		"parent_event_id": e.ParentEventID,
		"schema_version":  e.SchemaVersion,
		"origin": map[string]interface{}{
			"device_id":  e.Origin.DeviceID,
			"session_id": e.Origin.SessionID,
			"app_ver":    e.Origin.AppVer,
			"network":    e.Origin.Network,
		},
	}
}
