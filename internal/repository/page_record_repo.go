package repository

import (
	"context"

	"github.com/user/explorer-service/internal/entity"
)

// PageRecordRepository is the boundary to the snapshot/versioning collaborator:
// each completed step yields one record for that subsystem to persist and diff.
type PageRecordRepository interface {
	// Save stores the record for a page. An existing record for the same
	// session and URL is replaced.
	Save(ctx context.Context, rec *entity.PageRecord) error
	// FindBySession retrieves all records captured during a session.
	FindBySession(ctx context.Context, sessionID string) ([]*entity.PageRecord, error)
}
