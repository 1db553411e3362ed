package scrape

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrRunNotFound is returned by RunStore implementations for unknown IDs.
	ErrRunNotFound = errors.New("run not found")
	// ErrQueueClosed is returned by Queue implementations after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// Driver extracts exhibitors from a URL. An error means infrastructure
// failure; an inapplicable URL is reported through Meta.Supported.
type Driver interface {
	Name() string
	Scrape(ctx context.Context, url string, opts Options) (Result, error)
}

// Gate is implemented by drivers that may decline to run based on the
// attempts made before them.
type Gate interface {
	ShouldAttempt(attempts []Meta) bool
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a page probably needs JavaScript rendering.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Limiter throttles outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// RunStore persists run metadata and results.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for queued runs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for artifact naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
