package memory

import (
	"context"
	"sync"

	"github.com/user/explorer-service/internal/entity"
)

// CheckpointRepoImpl is the in-memory checkpoint sink, used when no Redis is
// configured and in tests. Contents do not survive a process restart.
type CheckpointRepoImpl struct {
	mu          sync.Mutex
	checkpoints map[string]*entity.Checkpoint
}

// NewCheckpointRepo creates an empty in-memory checkpoint store.
func NewCheckpointRepo() *CheckpointRepoImpl {
	return &CheckpointRepoImpl{checkpoints: make(map[string]*entity.Checkpoint)}
}

func (r *CheckpointRepoImpl) Save(ctx context.Context, cp *entity.Checkpoint) error {
	copied := *cp
	r.mu.Lock()
	r.checkpoints[cp.SessionID] = &copied
	r.mu.Unlock()
	return nil
}

func (r *CheckpointRepoImpl) Find(ctx context.Context, sessionID string) (*entity.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.checkpoints[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *cp
	return &copied, nil
}

func (r *CheckpointRepoImpl) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	delete(r.checkpoints, sessionID)
	r.mu.Unlock()
	return nil
}
