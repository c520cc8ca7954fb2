// Package cache provides the time-bounded conversion result cache that
// sits in front of the dispatcher. Keys are fingerprints of the input
// content and the requested format pair, so identical work is answered
// without touching the connection pool.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/penguin-orz/datamax2/pkg/models"
)

// Store is a result cache backend. A backend constructed with a zero
// TTL is disabled: Get always misses and Put is a no-op. Backend
// failures surface as ErrCacheUnavailable so callers can degrade to
// bypass instead of failing the job.
type Store interface {
	// Get returns the cached result for fingerprint, or a miss. An
	// expired entry is never returned.
	Get(ctx context.Context, fingerprint string) (*models.ConversionResult, bool, error)
	// Put stores a result under fingerprint with the configured TTL.
	Put(ctx context.Context, fingerprint string, res models.ConversionResult) error
	// Sweep removes expired entries and reports how many were evicted.
	Sweep(ctx context.Context) (int, error)
	// Stats reports entry count and hit/miss counters.
	Stats(ctx context.Context) (models.CacheStats, error)
	// Close releases backend resources.
	Close() error
}

// Fingerprint derives the deterministic cache key for content converted
// from sourceFormat to targetFormat.
func Fingerprint(content []byte, sourceFormat, targetFormat string) string {
	h := sha256.New()
	h.Write([]byte(sourceFormat))
	h.Write([]byte{0})
	h.Write([]byte(targetFormat))
	h.Write([]byte{0})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintFile is Fingerprint over a file's content, streamed.
func FingerprintFile(path, sourceFormat, targetFormat string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	h.Write([]byte(sourceFormat))
	h.Write([]byte{0})
	h.Write([]byte(targetFormat))
	h.Write([]byte{0})
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
