package cache

import (
	"errors"
	"strings"
	"time"

	"github.com/jonwraymond/apiguard/resilience"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 512

// Sentinel errors for cache operations.
var (
	ErrInvalidKey = errors.New("cache: key is invalid")
	ErrKeyTooLong = errors.New("cache: key exceeds max length")
	ErrNoStale    = errors.New("cache: no stale entry")
	ErrClosed     = errors.New("cache: maintenance not running")

	// ErrCapacity matches every write rejected because room could not be
	// made. It is the resilience capacity kind.
	ErrCapacity = resilience.ErrCapacity
)

// ValidateKey checks if a key is valid for caching.
func ValidateKey(key string) error {
	if key == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}

// Priority ranks entries for capacity eviction. The zero value means
// PriorityMedium.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	// PriorityCritical entries are never evicted for capacity. They still
	// expire.
	PriorityCritical
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium, 0:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority parses low, medium, high, or critical. Anything else is
// medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

func (p Priority) weight() float64 {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 4
	case PriorityCritical:
		return 8
	default:
		return 2
	}
}

// Tag prefixes derived from SemanticHints.
const (
	TagCategory = "category:"
	TagBrand    = "brand:"
	TagType     = "type:"
)

// SemanticHints describe what a cached value is about, so that lookups for
// a different key about the same kind of item can share it.
type SemanticHints struct {
	Category string
	Brand    string
	ItemType string
}

// IsZero reports whether no hint is set.
func (h SemanticHints) IsZero() bool {
	return h.Category == "" && h.Brand == "" && h.ItemType == ""
}

// Tags returns the normalized tags for the set hints.
func (h SemanticHints) Tags() []string {
	var tags []string
	if v := normalizeTagValue(h.Category); v != "" {
		tags = append(tags, TagCategory+v)
	}
	if v := normalizeTagValue(h.Brand); v != "" {
		tags = append(tags, TagBrand+v)
	}
	if v := normalizeTagValue(h.ItemType); v != "" {
		tags = append(tags, TagType+v)
	}
	return tags
}

func normalizeTagValue(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeTags lower-cases, trims, and de-duplicates tags, dropping empty
// ones.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = normalizeTagValue(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// SetOptions controls how a value is stored.
type SetOptions struct {
	// TTL overrides Policy.DefaultTTL. It is clamped to Policy.MaxTTL.
	TTL time.Duration

	// Priority defaults to PriorityMedium.
	Priority Priority

	// Tags are stored alongside the tags derived from Hints.
	Tags []string

	Hints SemanticHints

	// Persist writes the entry through to the configured Persister.
	Persist bool
}

// LookupOptions controls a read.
type LookupOptions struct {
	Hints SemanticHints

	// AllowStale returns entries past their TTL that are still within
	// Policy.StaleGrace. Used for degraded-mode fallback.
	AllowStale bool
}

// MatchKind tells how a lookup was satisfied.
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchSemantic
)

// Hit describes a successful lookup.
type Hit[T any] struct {
	Value T

	// Key is the key of the entry that satisfied the lookup.
	Key   string
	Match MatchKind

	// Score is the similarity score for semantic matches.
	Score int

	Stale    bool
	Priority Priority
	Age      time.Duration
}

// Stats is a point-in-time copy of cache counters.
type Stats struct {
	Entries  int
	Bytes    int64
	MaxBytes int64

	Hits         int64
	SemanticHits int64
	StaleHits    int64
	Misses       int64
	Evictions    int64
	Expirations  int64
	Rejections   int64
	Compressions int64
}

// HitRate returns hits (of any kind) over all lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Utilization returns Bytes over MaxBytes.
func (s Stats) Utilization() float64 {
	if s.MaxBytes <= 0 {
		return 0
	}
	return float64(s.Bytes) / float64(s.MaxBytes)
}
