package image

import (
	"context"
	"time"
)

// SourceType identifies which ingestion variant produced a record.
type SourceType string

const (
	SourceInline SourceType = "base64"
	SourceURL    SourceType = "url"
	SourceUpload SourceType = "upload"
)

// FormatUnknown marks payloads whose format could not be determined.
// Records carrying it were admitted by a transport-level media type check.
const FormatUnknown = "unknown"

// Attribution carries authorship hints recovered from embedded EXIF/IPTC/XMP
// metadata. All fields are optional.
type Attribution struct {
	Artist    string `json:"artist,omitempty"`
	Credit    string `json:"credit,omitempty"`
	Copyright string `json:"copyright,omitempty"`
}

// Empty reports whether no attribution field was recovered.
func (a Attribution) Empty() bool {
	return a.Artist == "" && a.Credit == "" && a.Copyright == ""
}

// Metadata is the extractor's best-effort description of a payload. Width and
// Height are zero when dimensions could not be determined.
type Metadata struct {
	Format      string
	Width       int
	Height      int
	SizeBytes   int64
	Attribution Attribution
}

// Degraded reports whether extraction fell short of a full description.
func (m Metadata) Degraded() bool {
	return m.Format == FormatUnknown || m.Width == 0 || m.Height == 0
}

// Image is a committed record. Payload is a self-describing data URI;
// SizeBytes is the decoded byte length. Seq is assigned by the store at
// commit time and increases monotonically per store.
type Image struct {
	ID          string       `json:"id"`
	Seq         uint64       `json:"seq"`
	SourceType  SourceType   `json:"sourceType"`
	Format      string       `json:"format"`
	Width       int          `json:"width,omitempty"`
	Height      int          `json:"height,omitempty"`
	SizeBytes   int64        `json:"sizeBytes"`
	Payload     string       `json:"payload"`
	Filename    string       `json:"filename,omitempty"`
	SourceURL   string       `json:"sourceUrl,omitempty"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	Attribution *Attribution `json:"attribution,omitempty"`
	IngestedAt  time.Time    `json:"ingestedAt"`
}

// Store holds every committed image plus a pointer to the one considered
// current. Commit is atomic: the record insert and the pointer move happen
// under one lock hold or transaction, last committer wins. Records are never
// mutated after commit.
type Store interface {
	// Commit persists img, assigns its sequence number and moves the
	// current pointer to it. The returned copy carries the sequence.
	Commit(ctx context.Context, img Image) (Image, error)
	// Current returns the image the pointer designates, or false when
	// nothing has been committed yet.
	Current(ctx context.Context) (Image, bool, error)
	// Get returns a committed image by ID.
	Get(ctx context.Context, id string) (Image, bool, error)
	// List returns all records ordered by ingestion time descending, ties
	// broken by sequence descending.
	List(ctx context.Context) ([]Image, error)
	// Count reports how many records the store holds.
	Count(ctx context.Context) (int64, error)
	// Stats exposes driver-specific counters for the status endpoint.
	Stats() map[string]any
	Close() error
}
