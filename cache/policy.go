package cache

import (
	"errors"
	"time"
)

// Weights are the points a semantic match earns per shared hint.
type Weights struct {
	Category int
	Brand    int
	ItemType int
}

// DefaultWeights returns category 50, brand 30, type 20.
func DefaultWeights() Weights {
	return Weights{Category: 50, Brand: 30, ItemType: 20}
}

// Policy configures caching behavior.
type Policy struct {
	// DefaultTTL is the TTL to use when none is specified.
	DefaultTTL time.Duration

	// MaxTTL is the maximum allowed TTL. Override TTLs are clamped to this.
	// If zero, no maximum is enforced.
	MaxTTL time.Duration

	// MaxBytes is the memory budget. Writes that would exceed it evict
	// entries first.
	MaxBytes int64

	// CompressThreshold is the encoded size at or above which values are
	// compressed, when a codec is configured.
	CompressThreshold int64

	// DeferCompression stores large values uncompressed and leaves
	// compression to Compact, which maintenance runs in the background.
	DeferCompression bool

	// StaleGrace is how long entries are kept past their TTL for stale
	// reads. Zero disables stale reads.
	StaleGrace time.Duration

	// SimilarityFloor is the minimum score a semantic match needs.
	SimilarityFloor int

	Weights Weights
}

// DefaultPolicy returns the default caching policy.
// DefaultTTL: 5 minutes, MaxTTL: 24 hours, MaxBytes: 50 MiB,
// CompressThreshold: 10 KiB, StaleGrace: 1 hour, SimilarityFloor: 50.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL:        5 * time.Minute,
		MaxTTL:            24 * time.Hour,
		MaxBytes:          50 << 20,
		CompressThreshold: 10 << 10,
		StaleGrace:        time.Hour,
		SimilarityFloor:   50,
		Weights:           DefaultWeights(),
	}
}

// Validate reports configuration errors.
func (p Policy) Validate() error {
	var errs []error
	if p.DefaultTTL <= 0 {
		errs = append(errs, errors.New("cache: DefaultTTL must be positive"))
	}
	if p.MaxTTL < 0 {
		errs = append(errs, errors.New("cache: MaxTTL must not be negative"))
	}
	if p.MaxBytes <= 0 {
		errs = append(errs, errors.New("cache: MaxBytes must be positive"))
	}
	if p.StaleGrace < 0 {
		errs = append(errs, errors.New("cache: StaleGrace must not be negative"))
	}
	if p.SimilarityFloor < 0 {
		errs = append(errs, errors.New("cache: SimilarityFloor must not be negative"))
	}
	return errors.Join(errs...)
}

// EffectiveTTL returns the TTL to use, applying defaults and clamping.
func (p Policy) EffectiveTTL(override time.Duration) time.Duration {
	ttl := override
	if ttl <= 0 {
		ttl = p.DefaultTTL
	}

	if p.MaxTTL > 0 && ttl > p.MaxTTL {
		ttl = p.MaxTTL
	}

	return ttl
}

// Retention returns how long an entry with the given TTL is kept, counting
// the stale grace period.
func (p Policy) Retention(ttl time.Duration) time.Duration {
	return ttl + p.StaleGrace
}
