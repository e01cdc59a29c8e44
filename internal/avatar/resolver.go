package avatar

import (
	"context"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"strings"

	// Registered so image.DecodeConfig recognises the common avatar formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Resolver turns an avatar URL into a ready-to-render value. Implementations
// must honour ctx cancellation.
type Resolver interface {
	Resolve(ctx context.Context, url string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, url string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, url string) (string, error) { return f(ctx, url) }

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// maxHeaderBytes bounds how much of the body is read to decode the image header.
const maxHeaderBytes = 1 << 20

// HTTPResolver fetches the image and verifies that its header decodes. The
// value it yields is the final URL after redirects.
type HTTPResolver struct {
	client httpDoer
}

func NewHTTPResolver(client httpDoer) *HTTPResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPResolver{client: client}
}

func (r *HTTPResolver) Resolve(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("avatar request build: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("avatar request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxHeaderBytes))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("avatar request: unexpected status %d", resp.StatusCode)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return "", fmt.Errorf("avatar request: unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if _, _, err := image.DecodeConfig(io.LimitReader(resp.Body, maxHeaderBytes)); err != nil {
		return "", fmt.Errorf("avatar decode: %w", err)
	}

	final := url
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return final, nil
}
