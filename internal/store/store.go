package store

import (
	"context"
	"time"
)

// Record is the durable representation of a resolved resource. Key is the
// normalised cache key, URL the original request and Value the
// ready-to-render form that was resolved for it.
type Record struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the durable key-value contract consulted by the avatar cache when
// network access is undesirable. Writes overwrite; there is no delete path.
type Store interface {
	Put(ctx context.Context, record Record) error
	Get(ctx context.Context, key string) (Record, bool, error)
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
