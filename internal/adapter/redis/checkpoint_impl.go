package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/explorer-service/internal/entity"
)

const checkpointKeyPrefix = "explorer:checkpoint:"

// CheckpointRepoImpl stores exploration checkpoints as TTL'd JSON blobs in
// Redis, keyed by session id.
type CheckpointRepoImpl struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCheckpointRepo creates a new instance of CheckpointRepoImpl.
func NewCheckpointRepo(client *redis.Client, ttl time.Duration) *CheckpointRepoImpl {
	return &CheckpointRepoImpl{client: client, ttl: ttl}
}

func checkpointKey(sessionID string) string {
	return checkpointKeyPrefix + sessionID
}

// Save persists a checkpoint, replacing any previous one for the session.
func (r *CheckpointRepoImpl) Save(ctx context.Context, cp *entity.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.SessionID, err)
	}
	return r.client.Set(ctx, checkpointKey(cp.SessionID), payload, r.ttl).Err()
}

// Find retrieves the latest checkpoint for a session, or nil if none exists.
func (r *CheckpointRepoImpl) Find(ctx context.Context, sessionID string) (*entity.Checkpoint, error) {
	payload, err := r.client.Get(ctx, checkpointKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var cp entity.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", sessionID, err)
	}
	return &cp, nil
}

// Delete removes a session's checkpoint.
func (r *CheckpointRepoImpl) Delete(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, checkpointKey(sessionID)).Err()
}
