package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"dispatch-sync-client/internal/httpx"
)

// HTTPSystemWriter applies resolved values to one backing system over its
// REST surface with a PUT, which makes repeated writes of the same value
// idempotent.
type HTTPSystemWriter struct {
	name    string
	baseURL string
	client  httpx.Doer
}

func NewHTTPSystemWriter(name, baseURL string, client httpx.Doer) *HTTPSystemWriter {
	return &HTTPSystemWriter{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (w *HTTPSystemWriter) Name() string { return w.name }

func (w *HTTPSystemWriter) Apply(ctx context.Context, entityType, entityID string, value json.RawMessage) error {
	_, err := w.client.Do(ctx, httpx.Request{
		Method:  "PUT",
		URL:     fmt.Sprintf("%s/%s/%s", w.baseURL, entityType, entityID),
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    value,
	})
	return err
}
