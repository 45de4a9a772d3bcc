// Package store provides the persistence drivers behind image.Store.
package store

import (
	"sort"

	"framecast-server-go/internal/domain/image"
)

// Config describes the high level store selection parameters.
type Config struct {
	Driver string
	// MaxHistory caps how many records a driver keeps. Zero keeps
	// everything; the current image is never evicted.
	MaxHistory int
	// Namespace prefixes redis keys.
	Namespace string
	Redis     *RedisConfig
}

// RedisConfig captures connection options.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// sortNewestFirst orders records by ingestion time descending, sequence
// descending on ties.
func sortNewestFirst(images []image.Image) {
	sort.Slice(images, func(i, j int) bool {
		if images[i].IngestedAt.Equal(images[j].IngestedAt) {
			return images[i].Seq > images[j].Seq
		}
		return images[i].IngestedAt.After(images[j].IngestedAt)
	})
}
