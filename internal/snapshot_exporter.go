package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/hyperform"
	"go.uber.org/zap"
)

// SnapshotManifest describes one export.
type SnapshotManifest struct {
	ExportID   string                   `json:"exportId"`
	BaseURL    string                   `json:"baseUrl"`
	CreatedAt  time.Time                `json:"createdAt"`
	Resources  []string                 `json:"resources"`
	Failed     map[string]string        `json:"failed,omitempty"`
	KeyedLinks []hyperform.KeyedApiLink `json:"keyedLinks,omitempty"`
	Truncated  bool                     `json:"truncated,omitempty"`
}

// SnapshotExporter crawls an API from its root and writes every readable
// resource, plus the schema documents they reference, so the API can later
// be served by a snapshot transport.
type SnapshotExporter struct {
	api    hyperform.ApiService
	writer hyperform.SnapshotWriter
}

// NewSnapshotExporter creates an exporter reading through api.
func NewSnapshotExporter(api hyperform.ApiService, writer hyperform.SnapshotWriter) *SnapshotExporter {
	return &SnapshotExporter{api: api, writer: writer}
}

// Export crawls breadth first, stopping after maxResources fetches when
// maxResources is positive. Links that only accept submissions are skipped.
// Resources failing to load are recorded in the manifest.
func (e *SnapshotExporter) Export(ctx context.Context, maxResources int) (*SnapshotManifest, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate export id: %w", err)
	}
	manifest := &SnapshotManifest{
		ExportID:  id.String(),
		BaseURL:   e.api.BaseURL(),
		CreatedAt: time.Now().UTC(),
		Failed:    map[string]string{},
	}
	base, err := hyperform.ResolveRef(e.api.BaseURL(), "")
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{base: true}
	queue := []hyperform.ApiLink{{Href: base, Rel: []string{hyperform.RelSelf}}}
	enqueue := func(href string) {
		abs, err := hyperform.ResolveRef(base, href)
		if err != nil || visited[abs] {
			return
		}
		visited[abs] = true
		queue = append(queue, hyperform.ApiLink{Href: abs})
	}

	for len(queue) > 0 {
		if maxResources > 0 && len(manifest.Resources) >= maxResources {
			manifest.Truncated = true
			break
		}
		link := queue[0]
		queue = queue[1:]

		resp, err := e.api.GetByApiLink(ctx, link, true)
		if err != nil {
			if hyperform.IsCancelled(err) || ctx.Err() != nil {
				return nil, err
			}
			zap.S().Warnw("snapshot: resource skipped", "href", link.Href, "error", err)
			manifest.Failed[link.Href] = err.Error()
			continue
		}
		if resp == nil {
			continue
		}
		if err := e.write(ctx, link.Href, resp); err != nil {
			return nil, err
		}
		manifest.Resources = append(manifest.Resources, link.Href)

		if resp.ContentType == hyperform.ContentTypeSchemaJSON {
			continue
		}
		if err := e.writeEmbedded(ctx, base, resp.Embedded); err != nil {
			return nil, err
		}
		for _, l := range resp.Links {
			if l.Schema != "" {
				doc, _ := hyperform.SplitRef(l.Schema)
				enqueue(doc)
			}
			if _, err := l.SubmitMethod(); err == nil {
				continue
			}
			enqueue(l.Href)
		}
		for _, k := range resp.KeyedLinks {
			if k.Schema != "" {
				doc, _ := hyperform.SplitRef(k.Schema)
				enqueue(doc)
			}
		}
	}

	manifest.KeyedLinks = e.api.KeyedLinks()
	sort.Strings(manifest.Resources)
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := e.writer.Write(ctx, ManifestKey, data); err != nil {
		return nil, err
	}
	zap.S().Infow("snapshot exported", "exportId", manifest.ExportID,
		"resources", len(manifest.Resources), "failed", len(manifest.Failed))
	return manifest, nil
}

func (e *SnapshotExporter) write(ctx context.Context, href string, resp *hyperform.RawResponse) error {
	data, err := encodeCachedResponse(resp)
	if err != nil {
		return fmt.Errorf("encode %s: %w", href, err)
	}
	return e.writer.Write(ctx, SnapshotKey(href), data)
}

func (e *SnapshotExporter) writeEmbedded(ctx context.Context, base string, embedded []hyperform.RawResponse) error {
	for i := range embedded {
		emb := embedded[i]
		if self, ok := hyperform.SelfLink(&emb); ok {
			href, err := hyperform.ResolveRef(base, self.Href)
			if err != nil {
				continue
			}
			if emb.ContentType == "" {
				emb.ContentType = hyperform.ContentTypeJSON
			}
			if err := e.write(ctx, href, &emb); err != nil {
				return err
			}
		}
		if err := e.writeEmbedded(ctx, base, emb.Embedded); err != nil {
			return err
		}
	}
	return nil
}
