package preload

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Fetcher loads a media resource. Implementations must honour ctx.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Element, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (*Element, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*Element, error) { return f(ctx, req) }

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

const (
	// MetadataBytes is the prefix requested in ModeMetadata.
	MetadataBytes = 64 << 10
	// DefaultMaxBytes caps a ModeFull buffer.
	DefaultMaxBytes = 8 << 20
)

// HTTPFetcher warms media over HTTP. Priority hints follow RFC 9218.
type HTTPFetcher struct {
	client   httpDoer
	maxBytes int64
}

func NewHTTPFetcher(client httpDoer, maxBytes int64) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &HTTPFetcher{client: client, maxBytes: maxBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r Request) (*Element, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("preload request build: %w", err)
	}
	if r.Priority == PriorityHigh {
		req.Header.Set("Priority", "u=1")
	} else {
		req.Header.Set("Priority", "u=5, i")
	}
	limit := f.maxBytes
	if r.Mode == ModeMetadata {
		limit = MetadataBytes
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", MetadataBytes-1))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("preload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("preload request: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("preload read: %w", err)
	}
	return NewElement(r.URL, r.Kind, r.Mode, resp.Header.Get("Content-Type"), data), nil
}
