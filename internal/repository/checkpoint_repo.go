package repository

import (
	"context"

	"github.com/user/explorer-service/internal/entity"
)

// CheckpointRepository is the pluggable sink for exploration checkpoints.
type CheckpointRepository interface {
	// Save persists a checkpoint, replacing any previous one for the session.
	Save(ctx context.Context, cp *entity.Checkpoint) error
	// Find retrieves the latest checkpoint for a session, or nil if none exists.
	Find(ctx context.Context, sessionID string) (*entity.Checkpoint, error)
	// Delete removes a session's checkpoint, typically after a clean finish.
	Delete(ctx context.Context, sessionID string) error
}
