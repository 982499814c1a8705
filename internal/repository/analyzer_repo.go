package repository

import (
	"context"

	"github.com/user/explorer-service/internal/entity"
)

// AnalyzerRepository is the boundary to the DOM-analysis collaborator.
// It is invoked once per successfully loaded page and yields the page's
// interactive surface. Extraction and importance scoring are deterministic
// and stateless; this core only consumes the result.
type AnalyzerRepository interface {
	// AnalyzePage extracts the interactive surface of the currently loaded page.
	AnalyzePage(ctx context.Context) (*entity.PageAnalysis, error)
}
