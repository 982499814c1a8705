package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/explorer-service/internal/entity"
)

// PageRecordRepoImpl provides a concrete implementation for the
// PageRecordRepository interface using PostgreSQL.
type PageRecordRepoImpl struct {
	db *pgxpool.Pool
}

// NewPageRecordRepo creates a new instance of PageRecordRepoImpl.
func NewPageRecordRepo(db *pgxpool.Pool) *PageRecordRepoImpl {
	return &PageRecordRepoImpl{db: db}
}

// Save stores or updates the record for a page within a session.
func (r *PageRecordRepoImpl) Save(ctx context.Context, rec *entity.PageRecord) error {
	elementsJSON, err := json.Marshal(rec.Elements)
	if err != nil {
		return fmt.Errorf("marshal elements for %s: %w", rec.URL, err)
	}
	formsJSON, err := json.Marshal(rec.Forms)
	if err != nil {
		return fmt.Errorf("marshal forms for %s: %w", rec.URL, err)
	}

	query := `
		INSERT INTO page_records (session_id, url, title, fingerprint, elements, forms, screenshot_ref, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, url) DO UPDATE SET
			title = EXCLUDED.title,
			fingerprint = EXCLUDED.fingerprint,
			elements = EXCLUDED.elements,
			forms = EXCLUDED.forms,
			screenshot_ref = EXCLUDED.screenshot_ref,
			captured_at = EXCLUDED.captured_at;
	`

	_, err = r.db.Exec(ctx, query,
		rec.SessionID,
		rec.URL,
		rec.Title,
		rec.Fingerprint,
		elementsJSON,
		formsJSON,
		rec.ScreenshotRef,
		rec.CapturedAt,
	)
	return err
}

// FindBySession retrieves all records captured during a session.
func (r *PageRecordRepoImpl) FindBySession(ctx context.Context, sessionID string) ([]*entity.PageRecord, error) {
	query := `
		SELECT session_id, url, title, fingerprint, elements, forms, screenshot_ref, captured_at
		FROM page_records
		WHERE session_id = $1
		ORDER BY captured_at;
	`
	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*entity.PageRecord
	for rows.Next() {
		var rec entity.PageRecord
		var elementsJSON, formsJSON []byte
		if err := rows.Scan(
			&rec.SessionID,
			&rec.URL,
			&rec.Title,
			&rec.Fingerprint,
			&elementsJSON,
			&formsJSON,
			&rec.ScreenshotRef,
			&rec.CapturedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(elementsJSON, &rec.Elements); err != nil {
			return nil, fmt.Errorf("unmarshal elements for %s: %w", rec.URL, err)
		}
		if err := json.Unmarshal(formsJSON, &rec.Forms); err != nil {
			return nil, fmt.Errorf("unmarshal forms for %s: %w", rec.URL, err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
