package image

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"framecast-server-go/internal/domain/eventbus"
	"framecast-server-go/internal/platform/errors"
	"framecast-server-go/internal/platform/logging"
	"framecast-server-go/internal/platform/observability"
)

// mimeFormats maps declared media types onto whitelist format tags.
var mimeFormats = map[string]string{
	"image/jpeg":  "jpeg",
	"image/jpg":   "jpeg",
	"image/pjpeg": "jpeg",
	"image/png":   "png",
	"image/x-png": "png",
	"image/gif":   "gif",
	"image/webp":  "webp",
}

// formatFromMediaType maps a content type onto a format tag, or "" when the
// type is not a known image type.
func formatFromMediaType(contentType string) string {
	return mimeFormats[normalizeContentType(contentType)]
}

// mimeForFormat is the inverse mapping used when building payload data URIs.
func mimeForFormat(format string) string {
	switch format {
	case "jpeg", "png", "gif", "webp":
		return "image/" + format
	default:
		return "application/octet-stream"
	}
}

// Ingestor converges the three ingestion variants onto one commit pipeline:
// decode or fetch the bytes, gate them against the format whitelist, extract
// metadata, commit to the store and publish the commit on the event bus.
type Ingestor struct {
	store       Store
	fetcher     *Fetcher
	logger      *logging.Logger
	maxBytes    int64
	allowed     map[string]bool
	fingerprint bool
	fp          fingerprinter
}

// IngestorOptions configures NewIngestor. Store, Fetcher and MaxBytes are
// required; AllowedFormats defaults to the built-in whitelist when empty.
type IngestorOptions struct {
	Store             Store
	Fetcher           *Fetcher
	Logger            *logging.Logger
	MaxBytes          int64
	AllowedFormats    []string
	EnableFingerprint bool
}

// Result describes a successful ingestion. Degraded marks records whose
// metadata extraction fell short; Duplicate marks payloads perceptually
// matching the previously committed image. Neither blocks the commit.
type Result struct {
	Image     Image
	Degraded  bool
	Duplicate bool
}

// InlineInput carries the inline base64 variant.
type InlineInput struct {
	// Data is base64, with or without a data:<mime>;base64, prefix.
	Data     string
	Filename string
	// FormatHint optionally names the expected format, e.g. "jpeg".
	FormatHint string
}

// URLInput carries the remote fetch variant.
type URLInput struct {
	URL string
	// Source optionally credits where the image came from.
	Source string
}

// UploadInput carries the direct upload variant.
type UploadInput struct {
	Data                []byte
	Filename            string
	DeclaredContentType string
}

// NewIngestor validates the options and builds an ingestor.
func NewIngestor(opts IngestorOptions) (*Ingestor, error) {
	if opts.Store == nil {
		return nil, errors.New(errors.KindConfig, "image.NewIngestor", "store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New(errors.KindConfig, "image.NewIngestor", "fetcher is required")
	}
	if opts.MaxBytes <= 0 {
		return nil, errors.New(errors.KindConfig, "image.NewIngestor", "max bytes must be positive")
	}

	formats := opts.AllowedFormats
	if len(formats) == 0 {
		formats = []string{"jpeg", "png", "gif", "webp"}
	}
	allowed := make(map[string]bool, len(formats))
	for _, f := range formats {
		allowed[strings.ToLower(strings.TrimSpace(f))] = true
	}

	return &Ingestor{
		store:       opts.Store,
		fetcher:     opts.Fetcher,
		logger:      opts.Logger,
		maxBytes:    opts.MaxBytes,
		allowed:     allowed,
		fingerprint: opts.EnableFingerprint,
	}, nil
}

// IngestInline decodes an inline base64 payload and commits it. The inline
// path carries no transport media type, so the whitelist gate runs on the
// sniffed format alone.
func (ing *Ingestor) IngestInline(ctx context.Context, in InlineInput) (*Result, error) {
	ctx, end := observability.StartSpan(ctx, "ingest", "inline")
	res, err := ing.ingestInline(ctx, in)
	end(err)
	ing.observe(SourceInline, "", res, err)
	return res, err
}

func (ing *Ingestor) ingestInline(ctx context.Context, in InlineInput) (*Result, error) {
	raw, mimeHint, err := ing.decodeInline(in.Data)
	if err != nil {
		return nil, err
	}

	declared := formatFromMediaType(mimeHint)
	if declared == "" {
		declared = strings.ToLower(strings.TrimSpace(in.FormatHint))
	}

	return ing.finalize(ctx, ingestSource{
		sourceType:   SourceInline,
		data:         raw,
		declaredFmt:  declared,
		requireSniff: true,
		filename:     in.Filename,
	})
}

// IngestURL validates the target through the guard, fetches it over the
// pinned transport and commits the result. A guard rejection reports
// KindBlocked before any network contact happens.
func (ing *Ingestor) IngestURL(ctx context.Context, in URLInput) (*Result, error) {
	ctx, end := observability.StartSpan(ctx, "ingest", "url")
	res, err := ing.ingestURL(ctx, in)
	end(err)
	ing.observe(SourceURL, in.URL, res, err)
	return res, err
}

func (ing *Ingestor) ingestURL(ctx context.Context, in URLInput) (*Result, error) {
	fetched, err := ing.fetcher.Fetch(ctx, in.URL)
	if err != nil {
		return nil, err
	}

	declared := formatFromMediaType(fetched.ContentType)
	if declared == "" || !ing.allowed[declared] {
		return nil, errors.New(errors.KindMediaType, "image.IngestURL",
			fmt.Sprintf("media type %q is not in the accepted set", fetched.ContentType))
	}

	return ing.finalize(ctx, ingestSource{
		sourceType:  SourceURL,
		data:        fetched.Data,
		declaredFmt: declared,
		sourceURL:   in.URL,
		credit:      in.Source,
	})
}

// IngestUpload commits caller-supplied raw bytes. No URL validation runs;
// the declared content type gates the whitelist instead.
func (ing *Ingestor) IngestUpload(ctx context.Context, in UploadInput) (*Result, error) {
	ctx, end := observability.StartSpan(ctx, "ingest", "upload")
	res, err := ing.ingestUpload(ctx, in)
	end(err)
	ing.observe(SourceUpload, "", res, err)
	return res, err
}

func (ing *Ingestor) ingestUpload(ctx context.Context, in UploadInput) (*Result, error) {
	declared := formatFromMediaType(in.DeclaredContentType)
	if declared == "" || !ing.allowed[declared] {
		return nil, errors.New(errors.KindMediaType, "image.IngestUpload",
			fmt.Sprintf("declared content type %q is not an accepted image type", in.DeclaredContentType))
	}

	return ing.finalize(ctx, ingestSource{
		sourceType:  SourceUpload,
		data:        in.Data,
		declaredFmt: declared,
		filename:    in.Filename,
	})
}

// decodeInline strips an optional data URI prefix and decodes the base64
// body. The decode streams through the ceiling so an oversized payload is
// never fully buffered.
func (ing *Ingestor) decodeInline(data string) ([]byte, string, error) {
	const op = "image.IngestInline"

	payload := strings.TrimSpace(data)
	if payload == "" {
		return nil, "", errors.New(errors.KindPayload, op, "empty payload")
	}

	var mimeHint string
	if strings.HasPrefix(payload, "data:") {
		comma := strings.Index(payload, ",")
		if comma < 0 {
			return nil, "", errors.New(errors.KindPayload, op, "malformed data URI")
		}
		header := strings.TrimSuffix(payload[len("data:"):comma], ";base64")
		if semi := strings.Index(header, ";"); semi >= 0 {
			header = header[:semi]
		}
		mimeHint = header
		payload = payload[comma+1:]
	}

	if rem := len(payload) % 4; rem != 0 {
		payload += strings.Repeat("=", 4-rem)
	}

	limited := &io.LimitedReader{
		R: base64.NewDecoder(base64.StdEncoding, strings.NewReader(payload)),
		N: ing.maxBytes + 1,
	}
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", errors.Wrap(errors.KindPayload, op, "invalid base64 payload", err)
	}
	if limited.N <= 0 {
		return nil, "", errors.New(errors.KindPayload, op,
			fmt.Sprintf("payload exceeds the %d byte ceiling", ing.maxBytes))
	}

	return raw, mimeHint, nil
}

// ingestSource is the converged input every variant reduces to.
type ingestSource struct {
	sourceType   SourceType
	data         []byte
	declaredFmt  string
	requireSniff bool
	filename     string
	sourceURL    string
	credit       string
}

// finalize runs the shared tail of every ingestion: ceiling, whitelist gate,
// extraction, record assembly and the store commit. The store lock is only
// taken inside Commit, never during extraction.
func (ing *Ingestor) finalize(ctx context.Context, src ingestSource) (*Result, error) {
	op := "image.ingest." + string(src.sourceType)

	if len(src.data) == 0 {
		return nil, errors.New(errors.KindPayload, op, "empty payload")
	}
	if int64(len(src.data)) > ing.maxBytes {
		return nil, errors.New(errors.KindPayload, op,
			fmt.Sprintf("payload of %d bytes exceeds the %d byte ceiling", len(src.data), ing.maxBytes))
	}

	sniffed := SniffFormat(src.data)
	if src.requireSniff && sniffed == "" {
		return nil, errors.New(errors.KindMediaType, op, "payload does not match any accepted image format")
	}

	// The sniffed format outranks whatever the caller or transport declared.
	gate := sniffed
	if gate == "" {
		gate = src.declaredFmt
	}
	if gate == "" || !ing.allowed[gate] {
		return nil, errors.New(errors.KindMediaType, op,
			fmt.Sprintf("format %q is not in the accepted set", gate))
	}

	meta := Extract(src.data)

	format := meta.Format
	if format == FormatUnknown && src.declaredFmt != "" {
		format = src.declaredFmt
	}

	attribution := meta.Attribution
	if attribution.Credit == "" && src.credit != "" {
		attribution.Credit = src.credit
	}

	var fingerprint string
	var duplicate bool
	if ing.fingerprint {
		fingerprint, duplicate = ing.fp.fingerprint(src.data)
	}

	img := Image{
		ID:          uuid.New().String(),
		SourceType:  src.sourceType,
		Format:      format,
		Width:       meta.Width,
		Height:      meta.Height,
		SizeBytes:   meta.SizeBytes,
		Payload:     "data:" + mimeForFormat(format) + ";base64," + base64.StdEncoding.EncodeToString(src.data),
		Filename:    src.filename,
		SourceURL:   src.sourceURL,
		Fingerprint: fingerprint,
		IngestedAt:  time.Now().UTC(),
	}
	if !attribution.Empty() {
		a := attribution
		img.Attribution = &a
	}

	committed, err := ing.store.Commit(ctx, img)
	if err != nil {
		return nil, errors.Wrap(errors.KindStore, op, "failed to commit image", err)
	}

	// Hub and journal subscribers run behind the bus; their faults never
	// reach the ingestion caller.
	eventbus.Publish(eventbus.EventImageCommitted, committed)

	return &Result{Image: committed, Degraded: meta.Degraded(), Duplicate: duplicate}, nil
}

// observe records counters, rejection events and logs for one attempt.
func (ing *Ingestor) observe(source SourceType, rawURL string, res *Result, err error) {
	if err != nil {
		observability.IncrCounter(observability.CounterIngestRejected, 1)
		eventbus.PublishAsync(eventbus.EventImageRejected, eventbus.ImageRejectedData{
			SourceType: string(source),
			Kind:       string(errors.KindOf(err)),
			Reason:     errors.Reason(err),
			SourceURL:  rawURL,
			OccurredAt: time.Now().UTC(),
		})
		ing.logger.WarnTag("Ingest", "rejected source=%s kind=%s reason=%s",
			source, errors.KindOf(err), errors.Reason(err))
		return
	}

	observability.IncrCounter(observability.CounterIngestTotal, 1)
	if res.Degraded {
		observability.IncrCounter(observability.CounterIngestDegraded, 1)
	}
	if res.Duplicate {
		observability.IncrCounter(observability.CounterDuplicateDetected, 1)
		ing.logger.InfoTag("Ingest", "payload duplicates the previous image id=%s", res.Image.ID)
	}
	ing.logger.InfoTag("Ingest", "committed id=%s seq=%d source=%s format=%s size=%d degraded=%v",
		res.Image.ID, res.Image.Seq, source, res.Image.Format, res.Image.SizeBytes, res.Degraded)
}
