package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lychee-technology/hyperform"
)

// snapshotTransport answers GET requests from an exported snapshot. It is
// read-only; any other method gets 405.
type snapshotTransport struct {
	store hyperform.SnapshotStore
}

// NewSnapshotTransport serves requests from store.
func NewSnapshotTransport(store hyperform.SnapshotStore) hyperform.Transport {
	return &snapshotTransport{store: store}
}

func (t *snapshotTransport) Do(ctx context.Context, req *hyperform.TransportRequest) (*hyperform.TransportResponse, error) {
	if req.Method != http.MethodGet {
		return &hyperform.TransportResponse{StatusCode: http.StatusMethodNotAllowed}, nil
	}
	data, ok, err := t.store.Load(ctx, SnapshotKey(req.URL))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &hyperform.TransportResponse{StatusCode: http.StatusNotFound}, nil
	}
	var entry cachedResponse
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode snapshot object for %s: %w", req.URL, err)
	}
	return &hyperform.TransportResponse{
		StatusCode:  http.StatusOK,
		ContentType: entry.ContentType,
		Body:        entry.Response,
	}, nil
}
