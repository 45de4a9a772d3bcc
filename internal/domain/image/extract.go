package image

import (
	"bytes"
	"fmt"
	"image"
	"sync"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/bep/imagemeta"
	"github.com/corona10/goimagehash"
)

// imageSignatures are the magic-byte prefixes used to sniff a payload's
// format without decoding it. WebP needs the extra "WEBP" marker check
// because RIFF alone is shared with other container formats.
var imageSignatures = map[string][]byte{
	"jpeg": {0xFF, 0xD8, 0xFF},
	"png":  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	"gif":  {0x47, 0x49, 0x46, 0x38},
	"webp": {0x52, 0x49, 0x46, 0x46},
}

// SniffFormat returns the format implied by the payload's magic bytes, or ""
// when no known signature matches.
func SniffFormat(data []byte) string {
	for format, signature := range imageSignatures {
		if !bytes.HasPrefix(data, signature) {
			continue
		}
		if format == "webp" {
			if len(data) < 12 || !bytes.Equal(data[8:12], []byte("WEBP")) {
				continue
			}
		}
		return format
	}
	return ""
}

// Extract derives metadata from raw image bytes. It never fails: a payload
// that cannot be decoded yields FormatUnknown with zero dimensions, and
// SizeBytes always reflects the input length.
func Extract(data []byte) Metadata {
	meta := Metadata{
		Format:    FormatUnknown,
		SizeBytes: int64(len(data)),
	}
	if len(data) == 0 {
		return meta
	}

	if format := SniffFormat(data); format != "" {
		meta.Format = format
	}

	if cfg, decodedFormat, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		meta.Width = cfg.Width
		meta.Height = cfg.Height
		if decodedFormat != "" {
			meta.Format = decodedFormat
		}
	}

	meta.Attribution = extractAttribution(data)
	return meta
}

// wantedTags lists the embedded metadata fields captured as attribution.
var wantedTags = map[imagemeta.Source]map[string]bool{
	imagemeta.EXIF: {
		"Artist":    true,
		"Copyright": true,
	},
	imagemeta.IPTC: {
		"Credit":          true,
		"Byline":          true,
		"CopyrightNotice": true,
	},
	imagemeta.XMP: {
		"Creator": true,
		"Rights":  true,
	},
}

// extractAttribution scans EXIF/IPTC/XMP for authorship fields. Parse
// failures degrade to an empty attribution.
func extractAttribution(data []byte) Attribution {
	var attr Attribution

	_, err := imagemeta.Decode(imagemeta.Options{
		R:       bytes.NewReader(data),
		Sources: imagemeta.EXIF | imagemeta.IPTC | imagemeta.XMP,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			if tags, ok := wantedTags[ti.Source]; ok {
				return tags[ti.Tag]
			}
			return false
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			s := tagValueString(ti.Value)
			if s == "" {
				return nil
			}
			switch ti.Tag {
			case "Artist", "Byline", "Creator":
				if attr.Artist == "" {
					attr.Artist = s
				}
			case "Credit":
				if attr.Credit == "" {
					attr.Credit = s
				}
			case "Copyright", "CopyrightNotice", "Rights":
				if attr.Copyright == "" {
					attr.Copyright = s
				}
			}
			return nil
		},
	})
	if err != nil {
		return Attribution{}
	}

	return attr
}

// tagValueString extracts a string from a tag value. XMP values may arrive
// as string slices.
func tagValueString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []string:
		if len(val) > 0 {
			return val[0]
		}
	case []any:
		if len(val) > 0 {
			if s, ok := val[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// duplicateDistance is the maximum Hamming distance between two difference
// hashes below which payloads count as perceptually identical.
const duplicateDistance = 10

// fingerprinter computes perceptual hashes and tracks the previous one so
// repeated ingestion of the same picture can be flagged. Safe for concurrent
// use.
type fingerprinter struct {
	mu   sync.Mutex
	last *goimagehash.ImageHash
}

// fingerprint fully decodes the payload and returns its difference hash plus
// whether it duplicates the previously fingerprinted image. Failures yield
// an empty fingerprint.
func (f *fingerprinter) fingerprint(data []byte) (string, bool) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", false
	}

	hash, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return "", false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	duplicate := false
	if f.last != nil {
		if dist, err := hash.Distance(f.last); err == nil && dist < duplicateDistance {
			duplicate = true
		}
	}
	f.last = hash

	return fmt.Sprintf("d:%016x", hash.GetHash()), duplicate
}
