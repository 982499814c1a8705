package cdpanalyzer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/explorer-service/internal/entity"
)

type fakeCommander struct {
	response json.RawMessage
	err      error
}

func (f *fakeCommander) Send(ctx context.Context, method cdproto.MethodType, params any) (json.RawMessage, error) {
	return f.response, f.err
}

func TestAnalyzePageDecodesResult(t *testing.T) {
	payload := `{
		"result": {
			"type": "object",
			"value": {
				"url": "https://example.com/dash",
				"title": "Dashboard",
				"elements": [
					{"type": "button", "selector": "#new", "text": "New project",
					 "bounds": {"x": 10, "y": 20, "width": 120, "height": 32}, "importance": 8}
				],
				"forms": [
					{"selector": "form", "fields": [{"name": "q", "type": "text", "required": false}], "submit_text": "Search"}
				]
			}
		}
	}`
	a := NewAnalyzerRepo(&fakeCommander{response: json.RawMessage(payload)})

	analysis, err := a.AnalyzePage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/dash", analysis.URL)
	assert.Equal(t, "Dashboard", analysis.Title)
	require.Len(t, analysis.Elements, 1)
	assert.Equal(t, entity.ElementButton, analysis.Elements[0].Type)
	assert.Equal(t, 8, analysis.Elements[0].Importance)
	assert.Equal(t, 120.0, analysis.Elements[0].Bounds.Width)
	require.Len(t, analysis.Forms, 1)
	assert.Equal(t, "Search", analysis.Forms[0].SubmitText)
}

func TestAnalyzePageSurfacesScriptException(t *testing.T) {
	payload := `{"result": {"type": "undefined"}, "exceptionDetails": {"text": "Uncaught ReferenceError"}}`
	a := NewAnalyzerRepo(&fakeCommander{response: json.RawMessage(payload)})

	_, err := a.AnalyzePage(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Uncaught ReferenceError")
}

func TestAnalyzePageSurfacesTransportError(t *testing.T) {
	a := NewAnalyzerRepo(&fakeCommander{err: errors.New("connection closed")})

	_, err := a.AnalyzePage(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed")
}
