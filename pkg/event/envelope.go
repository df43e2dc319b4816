package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Envelope is the client-submitted precursor of an Event. It carries the
// caller's attribution claims and the operation payload; the server assigns
// identity, ordering and hashes on append.
type Envelope struct {
	EntityID  string    `json:"entity_id"`
	TenantID  string    `json:"tenant_id"`
	Operation Operation `json:"operation"`
	ActorID   string    `json:"actor_id"`
	ActorRole string    `json:"actor_role"`

	Payload    map[string]interface{} `json:"payload,omitempty"`
	ClientTime time.Time              `json:"client_time"`

	ParentEventID string `json:"parent_event_id,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty"`
	Origin        Origin `json:"origin"`

	// IdempotencyKey dedupes retried batch submissions. Optional for direct
	// appends, required for sync batches.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ValidationError reports envelope fields that failed boundary validation.
// Nothing is persisted when it is returned.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("invalid envelope: %s (fields: %s)", e.Reason, strings.Join(e.Fields, ", "))
	}
	return "invalid envelope: " + e.Reason
}

// DefaultSchemaVersion is assumed when an envelope omits schema_version.
const DefaultSchemaVersion = "1.0.0"

// Validate checks required attribution and structural rules. Payload shape
// is checked separately by Validator against the per-operation schema.
func (env *Envelope) Validate() error {
	var missing []string
	if env.EntityID == "" {
		missing = append(missing, "entity_id")
	}
	if env.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if env.ActorID == "" {
		missing = append(missing, "actor_id")
	}
	if env.ActorRole == "" {
		missing = append(missing, "actor_role")
	}
	if env.Operation == "" {
		missing = append(missing, "operation")
	}
	if env.ClientTime.IsZero() {
		missing = append(missing, "client_time")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing, Reason: "missing required attribution"}
	}

	if !env.Operation.Valid() {
		return &ValidationError{Fields: []string{"operation"}, Reason: fmt.Sprintf("unknown operation %q", env.Operation)}
	}
	if env.Operation == OpCorrect && env.ParentEventID == "" {
		return &ValidationError{Fields: []string{"parent_event_id"}, Reason: "CORRECT requires the event being corrected"}
	}
	if env.Operation == OpCreate && env.ParentEventID != "" {
		return &ValidationError{Fields: []string{"parent_event_id"}, Reason: "CREATE must not reference a parent"}
	}
	if env.Operation != OpDelete && len(env.Payload) == 0 {
		return &ValidationError{Fields: []string{"payload"}, Reason: fmt.Sprintf("%s requires a non-empty payload", env.Operation)}
	}

	if env.SchemaVersion != "" {
		if _, err := semver.NewVersion(env.SchemaVersion); err != nil {
			return &ValidationError{Fields: []string{"schema_version"}, Reason: fmt.Sprintf("not a semantic version: %v", err)}
		}
	}
	return nil
}

// CheckSchemaVersion enforces the accepted payload schema range so stale
// clients fail fast at the boundary instead of corrupting the projection.
func (env *Envelope) CheckSchemaVersion(constraint *semver.Constraints) error {
	v := env.SchemaVersion
	if v == "" {
		v = DefaultSchemaVersion
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return &ValidationError{Fields: []string{"schema_version"}, Reason: err.Error()}
	}
	if constraint != nil && !constraint.Check(parsed) {
		return &ValidationError{
			Fields: []string{"schema_version"},
			Reason: fmt.Sprintf("schema version %s outside accepted range %s", v, constraint),
		}
	}
	return nil
}
