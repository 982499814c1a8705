package memory

import (
	"context"
	"sync"

	"github.com/user/explorer-service/internal/entity"
)

// PageRecordRepoImpl keeps captured page records in memory, used when no
// Postgres is configured and in tests.
type PageRecordRepoImpl struct {
	mu      sync.Mutex
	records map[string]map[string]*entity.PageRecord // session id -> url -> record
}

// NewPageRecordRepo creates an empty in-memory page record store.
func NewPageRecordRepo() *PageRecordRepoImpl {
	return &PageRecordRepoImpl{records: make(map[string]map[string]*entity.PageRecord)}
}

func (r *PageRecordRepoImpl) Save(ctx context.Context, rec *entity.PageRecord) error {
	copied := *rec
	r.mu.Lock()
	session, ok := r.records[rec.SessionID]
	if !ok {
		session = make(map[string]*entity.PageRecord)
		r.records[rec.SessionID] = session
	}
	session[rec.URL] = &copied
	r.mu.Unlock()
	return nil
}

func (r *PageRecordRepoImpl) FindBySession(ctx context.Context, sessionID string) ([]*entity.PageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session := r.records[sessionID]
	out := make([]*entity.PageRecord, 0, len(session))
	for _, rec := range session {
		copied := *rec
		out = append(out, &copied)
	}
	return out, nil
}
