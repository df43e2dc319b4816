// Package annotation carries free-text data queries raised against a
// recorded event or an entity. A query never mutates clinical data; when
// review decides data must change, the answer is a corrective event in the
// ledger and the query closes pointing at it.
package annotation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trialpulse/clindata/core/pkg/accesscontrol"
	"github.com/trialpulse/clindata/core/pkg/event"
	"github.com/trialpulse/clindata/core/pkg/store"
)

// Status is the query lifecycle: open until someone answers, answered until
// the raiser (or the service) closes it.
type Status string

const (
	StatusOpen     Status = "open"
	StatusAnswered Status = "answered"
	StatusClosed   Status = "closed"
)

// Annotation is one data query.
type Annotation struct {
	AnnotationID string     `json:"annotation_id"`
	EntityID     string     `json:"entity_id"`
	EventID      string     `json:"event_id,omitempty"`
	TenantID     string     `json:"tenant_id"`
	Status       Status     `json:"status"`
	Question     string     `json:"question"`
	Answer       string     `json:"answer,omitempty"`
	RaisedBy     string     `json:"raised_by"`
	AnsweredBy   string     `json:"answered_by,omitempty"`
	ClosedBy     string     `json:"closed_by,omitempty"`
	RaisedAt     time.Time  `json:"raised_at"`
	AnsweredAt   *time.Time `json:"answered_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

var ErrNotFound = errors.New("annotation not found")

// Store owns the annotations table. Visibility follows the entity the
// query is attached to: a caller who cannot see the entity's events cannot
// see its queries either.
type Store struct {
	db     *sql.DB
	events store.Store
}

func NewStore(db *sql.DB, events store.Store) *Store {
	return &Store{db: db, events: events}
}

const annotationSchema = `
CREATE TABLE IF NOT EXISTS annotations (
	annotation_id TEXT PRIMARY KEY,
	entity_id     TEXT NOT NULL,
	event_id      TEXT,
	tenant_id     TEXT NOT NULL,
	status        TEXT NOT NULL,
	question      TEXT NOT NULL,
	answer        TEXT,
	raised_by     TEXT NOT NULL,
	answered_by   TEXT,
	closed_by     TEXT,
	raised_at     TEXT NOT NULL,
	answered_at   TEXT,
	closed_at     TEXT
);
CREATE INDEX IF NOT EXISTS annotations_entity_idx ON annotations (entity_id, status);
`

func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, annotationSchema)
	return err
}

// Open raises a query against an entity, optionally pinned to one event.
// The raiser must be able to read the entity; the check doubles as an
// existence check without leaking rows the caller cannot see.
func (s *Store) Open(ctx context.Context, entityID, eventID, question string) (*Annotation, error) {
	p := accesscontrol.PrincipalFromContext(ctx)
	if p == nil {
		return nil, store.ErrWriteDenied
	}
	if question == "" {
		return nil, &event.ValidationError{Fields: []string{"question"}, Reason: "question must not be empty"}
	}

	events, err := s.events.EventsFor(ctx, entityID, nil)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, store.ErrNotFound
	}
	tenantID := events[0].TenantID
	if eventID != "" {
		found := false
		for _, ev := range events {
			if ev.EventID == eventID {
				found = true
				break
			}
		}
		if !found {
			return nil, store.ErrNotFound
		}
	}

	a := &Annotation{
		AnnotationID: uuid.New().String(),
		EntityID:     entityID,
		EventID:      eventID,
		TenantID:     tenantID,
		Status:       StatusOpen,
		Question:     question,
		RaisedBy:     p.ActorID,
		RaisedAt:     time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO annotations (annotation_id, entity_id, event_id, tenant_id, status, question, raised_by, raised_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)`,
		a.AnnotationID, a.EntityID, a.EventID, a.TenantID, a.Status, a.Question,
		a.RaisedBy, a.RaisedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("open annotation: %w", err)
	}
	return a, nil
}

// Answer records a response and moves the query to answered. An answered
// query may be answered again; the latest response stands, the query stays
// answered until closed.
func (s *Store) Answer(ctx context.Context, annotationID, answer string) (*Annotation, error) {
	p := accesscontrol.PrincipalFromContext(ctx)
	if p == nil {
		return nil, store.ErrWriteDenied
	}
	if answer == "" {
		return nil, &event.ValidationError{Fields: []string{"answer"}, Reason: "answer must not be empty"}
	}

	a, err := s.Get(ctx, annotationID)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusClosed {
		return nil, fmt.Errorf("annotation %s is closed", annotationID)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE annotations SET status = $1, answer = $2, answered_by = $3, answered_at = $4
		WHERE annotation_id = $5`,
		StatusAnswered, answer, p.ActorID, now.Format(time.RFC3339Nano), annotationID)
	if err != nil {
		return nil, err
	}
	a.Status = StatusAnswered
	a.Answer = answer
	a.AnsweredBy = p.ActorID
	a.AnsweredAt = &now
	return a, nil
}

// Close ends the query. Only the raiser, a reviewer, or the service may
// close; subjects cannot close queries raised about their own data by
// someone else.
func (s *Store) Close(ctx context.Context, annotationID string) (*Annotation, error) {
	p := accesscontrol.PrincipalFromContext(ctx)
	if p == nil {
		return nil, store.ErrWriteDenied
	}

	a, err := s.Get(ctx, annotationID)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusClosed {
		return a, nil
	}
	if p.ActorID != a.RaisedBy && p.Role != accesscontrol.RoleReviewer && p.Role != accesscontrol.RoleService {
		return nil, store.ErrWriteDenied
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE annotations SET status = $1, closed_by = $2, closed_at = $3
		WHERE annotation_id = $4`,
		StatusClosed, p.ActorID, now.Format(time.RFC3339Nano), annotationID)
	if err != nil {
		return nil, err
	}
	a.Status = StatusClosed
	a.ClosedBy = p.ActorID
	a.ClosedAt = &now
	return a, nil
}

// Get returns one query, provided the caller can see the entity it targets.
func (s *Store) Get(ctx context.Context, annotationID string) (*Annotation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT annotation_id, entity_id, event_id, tenant_id, status, question, answer,
		       raised_by, answered_by, closed_by, raised_at, answered_at, closed_at
		FROM annotations WHERE annotation_id = $1`, annotationID)
	a, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if visible, verr := s.canSee(ctx, a.EntityID); verr != nil {
		return nil, verr
	} else if !visible {
		return nil, ErrNotFound
	}
	return a, nil
}

// List returns the entity's queries newest first, empty when the caller
// cannot see the entity.
func (s *Store) List(ctx context.Context, entityID string, openOnly bool) ([]*Annotation, error) {
	if visible, err := s.canSee(ctx, entityID); err != nil {
		return nil, err
	} else if !visible {
		return []*Annotation{}, nil
	}

	query := `
		SELECT annotation_id, entity_id, event_id, tenant_id, status, question, answer,
		       raised_by, answered_by, closed_by, raised_at, answered_at, closed_at
		FROM annotations WHERE entity_id = $1`
	if openOnly {
		query += ` AND status != 'closed'`
	}
	query += ` ORDER BY raised_at DESC`

	rows, err := s.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	annotations := make([]*Annotation, 0)
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		annotations = append(annotations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return annotations, nil
}

func (s *Store) canSee(ctx context.Context, entityID string) (bool, error) {
	events, err := s.events.EventsFor(ctx, entityID, nil)
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnnotation(row rowScanner) (*Annotation, error) {
	var a Annotation
	var eventID, answer, answeredBy, closedBy, answeredAt, closedAt sql.NullString
	var raisedAt string
	if err := row.Scan(&a.AnnotationID, &a.EntityID, &eventID, &a.TenantID, &a.Status,
		&a.Question, &answer, &a.RaisedBy, &answeredBy, &closedBy,
		&raisedAt, &answeredAt, &closedAt); err != nil {
		return nil, err
	}
	a.EventID = eventID.String
	a.Answer = answer.String
	a.AnsweredBy = answeredBy.String
	a.ClosedBy = closedBy.String
	t, err := time.Parse(time.RFC3339Nano, raisedAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt raised_at for %s: %w", a.AnnotationID, err)
	}
	a.RaisedAt = t
	if answeredAt.Valid && answeredAt.String != "" {
		at, err := time.Parse(time.RFC3339Nano, answeredAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt answered_at for %s: %w", a.AnnotationID, err)
		}
		a.AnsweredAt = &at
	}
	if closedAt.Valid && closedAt.String != "" {
		ct, err := time.Parse(time.RFC3339Nano, closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt closed_at for %s: %w", a.AnnotationID, err)
		}
		a.ClosedAt = &ct
	}
	return &a, nil
}
