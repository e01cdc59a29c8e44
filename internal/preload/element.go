package preload

import (
	"sync"
	"time"
)

// Priority selects the preload tier.
type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityLow  Priority = "low"
)

// Kind distinguishes the two media caches.
type Kind string

const (
	KindVideo Kind = "video"
	KindImage Kind = "image"
)

// Mode controls how much of a resource is buffered.
type Mode string

const (
	// ModeFull buffers the resource up to the fetcher's byte cap.
	ModeFull Mode = "full"
	// ModeMetadata only reads the leading bytes needed to start playback or decode dimensions.
	ModeMetadata Mode = "metadata"
)

// Request describes one fetch handed to a Fetcher.
type Request struct {
	URL      string
	Kind     Kind
	Mode     Mode
	Priority Priority
}

// Element is a warmed media handle. Its buffer is dropped on Release, which
// the preloader calls when the element is evicted or the cache is cleared.
type Element struct {
	URL         string
	Kind        Kind
	Mode        Mode
	ContentType string
	LoadedAt    time.Time

	mu       sync.RWMutex
	data     []byte
	released bool
}

// NewElement wraps a fetched buffer.
func NewElement(url string, kind Kind, mode Mode, contentType string, data []byte) *Element {
	return &Element{URL: url, Kind: kind, Mode: mode, ContentType: contentType, data: data}
}

// Bytes returns the buffered prefix, or nil once released.
func (e *Element) Bytes() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data
}

func (e *Element) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.data)
}

func (e *Element) Release() {
	e.mu.Lock()
	e.data = nil
	e.released = true
	e.mu.Unlock()
}

func (e *Element) Released() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.released
}
