package policy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/stratushq/stratus/pkg/storage"
)

// Fetcher resolves content-refs against the content object store, or plain
// HTTP(S) for rulesets published by URL.
type Fetcher struct {
	Store  storage.BlobStore
	Client *http.Client
}

func NewFetcher(store storage.BlobStore) *Fetcher {
	return &Fetcher{Store: store, Client: http.DefaultClient}
}

func (f *Fetcher) FetchContent(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return f.fetchURL(ctx, ref)
	}
	// s3://bucket/key refs address the configured content store; everything
	// else is a bare object key.
	if strings.HasPrefix(ref, "s3://") {
		trimmed := strings.TrimPrefix(ref, "s3://")
		if i := strings.IndexByte(trimmed, '/'); i >= 0 {
			ref = trimmed[i+1:]
		} else {
			return nil, fmt.Errorf("malformed s3 content ref %q", ref)
		}
	}
	data, err := f.Store.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch content %s: %w", ref, err)
	}
	return data, nil
}

func (f *Fetcher) fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch content %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("content fetch %s returned %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
