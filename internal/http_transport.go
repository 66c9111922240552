package internal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/lychee-technology/hyperform"
)

const acceptHeader = hyperform.ContentTypeJSON + ", " + hyperform.ContentTypeSchemaJSON

// httpTransport talks to the live server. It sets no timeout; callers bound
// requests through the context.
type httpTransport struct {
	client  *http.Client
	headers map[string]string
}

// NewHTTPTransport creates a transport sending headers with every request.
// A nil client selects http.DefaultClient.
func NewHTTPTransport(client *http.Client, headers map[string]string) hyperform.Transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpTransport{client: client, headers: headers}
}

func (t *httpTransport) Do(ctx context.Context, req *hyperform.TransportRequest) (*hyperform.TransportResponse, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", acceptHeader)
	if id, err := uuid.NewV7(); err == nil {
		httpReq.Header.Set("X-Request-Id", id.String())
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &hyperform.TransportResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}
