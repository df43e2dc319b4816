package accesscontrol

import (
	"context"
	"database/sql"
	"errors"
)

// SQLOwners resolves entity ownership from the entity_owners relation the
// event store maintains on CREATE.
type SQLOwners struct {
	db *sql.DB
}

func NewSQLOwners(db *sql.DB) *SQLOwners {
	return &SQLOwners{db: db}
}

// EntityOwner returns the owning actor id, or "" for entities that do not
// exist yet. Absence is not an error: the subject CREATE predicate relies
// on the empty answer.
func (s *SQLOwners) EntityOwner(ctx context.Context, entityID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_actor_id FROM entity_owners WHERE entity_id = $1`, entityID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}
