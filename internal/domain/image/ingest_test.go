package image

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"framecast-server-go/internal/domain/eventbus"
	"framecast-server-go/internal/platform/errors"
)

// fakeStore is a minimal in-memory Store for exercising the ingestor without
// pulling in a real driver.
type fakeStore struct {
	mu      sync.Mutex
	seq     uint64
	images  []Image
	failing bool
}

func (s *fakeStore) Commit(ctx context.Context, img Image) (Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return Image{}, fmt.Errorf("store offline")
	}
	s.seq++
	img.Seq = s.seq
	s.images = append(s.images, img)
	return img, nil
}

func (s *fakeStore) Current(ctx context.Context) (Image, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.images) == 0 {
		return Image{}, false, nil
	}
	return s.images[len(s.images)-1], true, nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (Image, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range s.images {
		if img.ID == id {
			return img, true, nil
		}
	}
	return Image{}, false, nil
}

func (s *fakeStore) List(ctx context.Context) ([]Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Image, len(s.images))
	copy(out, s.images)
	return out, nil
}

func (s *fakeStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.images)), nil
}

func (s *fakeStore) Stats() map[string]any { return map[string]any{"driver": "fake"} }
func (s *fakeStore) Close() error          { return nil }

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

// testIngestor wires an ingestor to a fake store and a loopback-friendly
// fetcher. Options may be adjusted by the caller before use.
func testIngestor(t *testing.T, store Store, opts IngestorOptions) *Ingestor {
	t.Helper()
	if opts.Store == nil {
		opts.Store = store
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = 1 << 20
	}
	if opts.Fetcher == nil {
		opts.Fetcher = loopbackFetcher(t, opts.MaxBytes)
	}
	ing, err := NewIngestor(opts)
	if err != nil {
		t.Fatalf("NewIngestor: %v", err)
	}
	return ing
}

func TestIngestInlineCommitsDecodedPayload(t *testing.T) {
	store := &fakeStore{}
	ing := testIngestor(t, store, IngestorOptions{})

	raw := pngBody(t)
	in := InlineInput{
		Data:     "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw),
		Filename: "sunset.png",
	}

	res, err := ing.IngestInline(context.Background(), in)
	if err != nil {
		t.Fatalf("IngestInline: %v", err)
	}

	img := res.Image
	if img.ID == "" {
		t.Error("expected a generated ID")
	}
	if img.Seq != 1 {
		t.Errorf("seq = %d, want 1", img.Seq)
	}
	if img.SourceType != SourceInline {
		t.Errorf("source type = %q", img.SourceType)
	}
	if img.Format != "png" {
		t.Errorf("format = %q, want png", img.Format)
	}
	if img.Width != 4 || img.Height != 4 {
		t.Errorf("dimensions = %dx%d, want 4x4", img.Width, img.Height)
	}
	if img.SizeBytes != int64(len(raw)) {
		t.Errorf("size = %d, want %d", img.SizeBytes, len(raw))
	}
	if img.Filename != "sunset.png" {
		t.Errorf("filename = %q", img.Filename)
	}
	if res.Degraded {
		t.Error("unexpected degraded result")
	}

	// The stored payload is a data URI that round-trips to the input bytes.
	prefix := "data:image/png;base64,"
	if !strings.HasPrefix(img.Payload, prefix) {
		t.Fatalf("payload prefix = %q", img.Payload[:min(len(img.Payload), 30)])
	}
	decoded, err := base64.StdEncoding.DecodeString(img.Payload[len(prefix):])
	if err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	if string(decoded) != string(raw) {
		t.Error("payload bytes do not round-trip")
	}

	current, ok, err := store.Current(context.Background())
	if err != nil || !ok {
		t.Fatalf("store has no current image (ok=%v err=%v)", ok, err)
	}
	if current.ID != img.ID {
		t.Error("current pointer does not designate the committed image")
	}
}

func TestIngestInlineAcceptsBarePayload(t *testing.T) {
	store := &fakeStore{}
	ing := testIngestor(t, store, IngestorOptions{})

	res, err := ing.IngestInline(context.Background(), InlineInput{
		Data: base64.StdEncoding.EncodeToString(encodeJPEG(t, gradient(5, 3, false))),
	})
	if err != nil {
		t.Fatalf("IngestInline: %v", err)
	}
	if res.Image.Format != "jpeg" {
		t.Errorf("format = %q, want jpeg", res.Image.Format)
	}
	if res.Image.Width != 5 || res.Image.Height != 3 {
		t.Errorf("dimensions = %dx%d, want 5x3", res.Image.Width, res.Image.Height)
	}
}

func TestIngestInlineRejections(t *testing.T) {
	store := &fakeStore{}
	ing := testIngestor(t, store, IngestorOptions{})

	tests := []struct {
		name string
		data string
		kind errors.Kind
	}{
		{"empty", "", errors.KindPayload},
		{"whitespace", "   ", errors.KindPayload},
		{"data URI without comma", "data:image/png;base64", errors.KindPayload},
		{"invalid base64", "!!!not base64 at all!!", errors.KindPayload},
		{"decodes to non-image", base64.StdEncoding.EncodeToString([]byte("plain text")), errors.KindMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ing.IngestInline(context.Background(), InlineInput{Data: tt.data})
			if !errors.IsKind(err, tt.kind) {
				t.Fatalf("expected %s error, got %v", tt.kind, err)
			}
		})
	}

	if store.count() != 0 {
		t.Fatalf("rejected payloads reached the store: %d records", store.count())
	}
}

func TestIngestInlineCeiling(t *testing.T) {
	raw := pngBody(t)
	encoded := base64.StdEncoding.EncodeToString(raw)

	at := testIngestor(t, &fakeStore{}, IngestorOptions{MaxBytes: int64(len(raw))})
	if _, err := at.IngestInline(context.Background(), InlineInput{Data: encoded}); err != nil {
		t.Fatalf("payload exactly at the ceiling was rejected: %v", err)
	}

	over := testIngestor(t, &fakeStore{}, IngestorOptions{MaxBytes: int64(len(raw)) - 1})
	_, err := over.IngestInline(context.Background(), InlineInput{Data: encoded})
	if !errors.IsKind(err, errors.KindPayload) {
		t.Fatalf("expected payload error one byte over the ceiling, got %v", err)
	}
}

func TestIngestUploadCommitsRawBytes(t *testing.T) {
	store := &fakeStore{}
	ing := testIngestor(t, store, IngestorOptions{})

	raw := encodeGIF(t, gradient(7, 2, false))
	res, err := ing.IngestUpload(context.Background(), UploadInput{
		Data:                raw,
		Filename:            "clip.gif",
		DeclaredContentType: "image/gif",
	})
	if err != nil {
		t.Fatalf("IngestUpload: %v", err)
	}
	if res.Image.SourceType != SourceUpload {
		t.Errorf("source type = %q", res.Image.SourceType)
	}
	if res.Image.Format != "gif" {
		t.Errorf("format = %q, want gif", res.Image.Format)
	}
	if res.Image.Filename != "clip.gif" {
		t.Errorf("filename = %q", res.Image.Filename)
	}
}

func TestIngestUploadDeclaredTypeGatesTheWhitelist(t *testing.T) {
	store := &fakeStore{}
	ing := testIngestor(t, store, IngestorOptions{})

	_, err := ing.IngestUpload(context.Background(), UploadInput{
		Data:                []byte("definitely text"),
		DeclaredContentType: "text/plain",
	})
	if !errors.IsKind(err, errors.KindMediaType) {
		t.Fatalf("expected media type error, got %v", err)
	}
	if store.count() != 0 {
		t.Fatal("rejected upload reached the store")
	}
}

func TestIngestUploadAcceptsDeclaredTypeAliases(t *testing.T) {
	raw := encodeJPEG(t, gradient(4, 4, false))
	for _, declared := range []string{"image/jpeg", "image/jpg", "image/pjpeg", "IMAGE/JPEG; charset=binary"} {
		store := &fakeStore{}
		ing := testIngestor(t, store, IngestorOptions{})
		res, err := ing.IngestUpload(context.Background(), UploadInput{Data: raw, DeclaredContentType: declared})
		if err != nil {
			t.Errorf("declared %q: %v", declared, err)
			continue
		}
		if res.Image.Format != "jpeg" {
			t.Errorf("declared %q: format = %q", declared, res.Image.Format)
		}
	}
}

func TestIngestSniffedFormatOutranksDeclared(t *testing.T) {
	store := &fakeStore{}
	ing := testIngestor(t, store, IngestorOptions{})

	// JPEG bytes declared as PNG: the declaration admits the payload, the
	// sniffed format wins in the record.
	res, err := ing.IngestUpload(context.Background(), UploadInput{
		Data:                encodeJPEG(t, gradient(4, 4, false)),
		DeclaredContentType: "image/png",
	})
	if err != nil {
		t.Fatalf("IngestUpload: %v", err)
	}
	if res.Image.Format != "jpeg" {
		t.Fatalf("format = %q, want the sniffed jpeg", res.Image.Format)
	}
}

func TestIngestRestrictedWhitelist(t *testing.T) {
	store := &fakeStore{}
	ing := testIngestor(t, store, IngestorOptions{AllowedFormats: []string{"jpeg"}})

	if _, err := ing.IngestUpload(context.Background(), UploadInput{
		Data:                pngBody(t),
		DeclaredContentType: "image/png",
	}); !errors.IsKind(err, errors.KindMediaType) {
		t.Fatalf("expected png to be rejected by a jpeg-only whitelist, got %v", err)
	}

	if _, err := ing.IngestUpload(context.Background(), UploadInput{
		Data:                encodeJPEG(t, gradient(4, 4, false)),
		DeclaredContentType: "image/jpeg",
	}); err != nil {
		t.Fatalf("jpeg should pass a jpeg-only whitelist: %v", err)
	}
}

func TestIngestUploadCeiling(t *testing.T) {
	raw := pngBody(t)

	at := testIngestor(t, &fakeStore{}, IngestorOptions{MaxBytes: int64(len(raw))})
	if _, err := at.IngestUpload(context.Background(), UploadInput{
		Data:                raw,
		DeclaredContentType: "image/png",
	}); err != nil {
		t.Fatalf("upload exactly at the ceiling was rejected: %v", err)
	}

	over := testIngestor(t, &fakeStore{}, IngestorOptions{MaxBytes: int64(len(raw)) - 1})
	_, err := over.IngestUpload(context.Background(), UploadInput{
		Data:                raw,
		DeclaredContentType: "image/png",
	})
	if !errors.IsKind(err, errors.KindPayload) {
		t.Fatalf("expected payload error one byte over the ceiling, got %v", err)
	}
}

func TestIngestDegradedMetadataStillCommits(t *testing.T) {
	store := &fakeStore{}
	ing := testIngestor(t, store, IngestorOptions{})

	// Valid PNG signature, undecodable body: admitted by the sniff, degraded
	// by the failed dimension extraction.
	data := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, []byte("truncated")...)
	res, err := ing.IngestUpload(context.Background(), UploadInput{
		Data:                data,
		DeclaredContentType: "image/png",
	})
	if err != nil {
		t.Fatalf("degraded payload was rejected: %v", err)
	}
	if !res.Degraded {
		t.Error("expected a degraded result")
	}
	if res.Image.Format != "png" {
		t.Errorf("format = %q, want the sniffed png", res.Image.Format)
	}
	if res.Image.Width != 0 || res.Image.Height != 0 {
		t.Errorf("dimensions = %dx%d, want zero", res.Image.Width, res.Image.Height)
	}
	if store.count() != 1 {
		t.Fatalf("store count = %d, want 1", store.count())
	}
}

func TestIngestURLCommitsFetchedImage(t *testing.T) {
	raw := pngBody(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(raw)
	}))
	defer server.Close()

	store := &fakeStore{}
	ing := testIngestor(t, store, IngestorOptions{})

	res, err := ing.IngestURL(context.Background(), URLInput{
		URL:    server.URL + "/remote.png",
		Source: "Example Gallery",
	})
	if err != nil {
		t.Fatalf("IngestURL: %v", err)
	}
	if res.Image.SourceType != SourceURL {
		t.Errorf("source type = %q", res.Image.SourceType)
	}
	if res.Image.SourceURL != server.URL+"/remote.png" {
		t.Errorf("source URL = %q", res.Image.SourceURL)
	}
	if res.Image.Attribution == nil || res.Image.Attribution.Credit != "Example Gallery" {
		t.Errorf("attribution = %+v, want the caller-supplied credit", res.Image.Attribution)
	}
}

func TestIngestURLRejectsUnacceptedImageType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/bmp")
		w.Write([]byte("BM fake bitmap"))
	}))
	defer server.Close()

	ing := testIngestor(t, &fakeStore{}, IngestorOptions{})
	_, err := ing.IngestURL(context.Background(), URLInput{URL: server.URL})
	if !errors.IsKind(err, errors.KindMediaType) {
		t.Fatalf("expected media type error, got %v", err)
	}
}

func TestIngestURLBlockedBeforeAnyContact(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	serverURL, _ := url.Parse(server.URL)
	strict, err := NewFetcher(FetcherOptions{
		Guard:    NewGuard(GuardOptions{Resolver: staticResolver("127.0.0.1")}),
		MaxBytes: 1 << 20,
	})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	store := &fakeStore{}
	ing := testIngestor(t, store, IngestorOptions{Fetcher: strict})

	_, err = ing.IngestURL(context.Background(), URLInput{
		URL: "http://internal.test:" + serverURL.Port() + "/secret.png",
	})
	if !errors.IsKind(err, errors.KindBlocked) {
		t.Fatalf("expected blocked error, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("blocked ingestion contacted the server %d times", hits.Load())
	}
	if store.count() != 0 {
		t.Fatal("blocked ingestion reached the store")
	}
}

func TestIngestStoreFailureSurfacesAsStoreError(t *testing.T) {
	store := &fakeStore{failing: true}
	ing := testIngestor(t, store, IngestorOptions{})

	_, err := ing.IngestUpload(context.Background(), UploadInput{
		Data:                pngBody(t),
		DeclaredContentType: "image/png",
	})
	if !errors.IsKind(err, errors.KindStore) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestIngestFlagsPerceptualDuplicates(t *testing.T) {
	store := &fakeStore{}
	ing := testIngestor(t, store, IngestorOptions{EnableFingerprint: true})

	raw := encodePNG(t, gradient(64, 64, false))

	first, err := ing.IngestUpload(context.Background(), UploadInput{Data: raw, DeclaredContentType: "image/png"})
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Duplicate {
		t.Error("first image cannot be a duplicate")
	}
	if first.Image.Fingerprint == "" {
		t.Error("expected a fingerprint on the record")
	}

	second, err := ing.IngestUpload(context.Background(), UploadInput{Data: raw, DeclaredContentType: "image/png"})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Duplicate {
		t.Error("expected the repeat to be flagged as duplicate")
	}
	// Duplicates are flagged, never refused.
	if store.count() != 2 {
		t.Fatalf("store count = %d, want 2", store.count())
	}
}

func TestIngestPublishesCommitEvent(t *testing.T) {
	received := make(chan Image, 1)
	handler := func(img Image) {
		select {
		case received <- img:
		default:
		}
	}
	if err := eventbus.Subscribe(eventbus.EventImageCommitted, handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer eventbus.Unsubscribe(eventbus.EventImageCommitted, handler)

	ing := testIngestor(t, &fakeStore{}, IngestorOptions{})
	res, err := ing.IngestUpload(context.Background(), UploadInput{
		Data:                pngBody(t),
		DeclaredContentType: "image/png",
	})
	if err != nil {
		t.Fatalf("IngestUpload: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != res.Image.ID {
			t.Fatalf("event carries id %s, want %s", got.ID, res.Image.ID)
		}
		if got.Seq != res.Image.Seq {
			t.Fatalf("event carries seq %d, want %d", got.Seq, res.Image.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("no commit event observed")
	}
}

func TestIngestorOptionValidation(t *testing.T) {
	fetcher := loopbackFetcher(t, 1)
	if _, err := NewIngestor(IngestorOptions{Fetcher: fetcher, MaxBytes: 1}); err == nil {
		t.Error("expected missing store to be rejected")
	}
	if _, err := NewIngestor(IngestorOptions{Store: &fakeStore{}, MaxBytes: 1}); err == nil {
		t.Error("expected missing fetcher to be rejected")
	}
	if _, err := NewIngestor(IngestorOptions{Store: &fakeStore{}, Fetcher: fetcher}); err == nil {
		t.Error("expected zero max bytes to be rejected")
	}
}
