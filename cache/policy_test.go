package cache

import (
	"testing"
	"time"
)

func TestPolicy_DefaultTTL(t *testing.T) {
	p := Policy{
		DefaultTTL: 5 * time.Minute,
		MaxTTL:     10 * time.Minute,
	}

	got := p.EffectiveTTL(0)
	if got != 5*time.Minute {
		t.Errorf("EffectiveTTL(0) = %v, want %v", got, 5*time.Minute)
	}
}

func TestPolicy_MaxTTLClamping(t *testing.T) {
	p := Policy{
		DefaultTTL: 5 * time.Minute,
		MaxTTL:     10 * time.Minute,
	}

	got := p.EffectiveTTL(15 * time.Minute)
	if got != 10*time.Minute {
		t.Errorf("EffectiveTTL(15m) = %v, want %v (clamped to MaxTTL)", got, 10*time.Minute)
	}
}

func TestPolicy_DefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	if p.DefaultTTL != 5*time.Minute {
		t.Errorf("DefaultPolicy().DefaultTTL = %v, want %v", p.DefaultTTL, 5*time.Minute)
	}
	if p.MaxTTL != 24*time.Hour {
		t.Errorf("DefaultPolicy().MaxTTL = %v, want %v", p.MaxTTL, 24*time.Hour)
	}
	if p.MaxBytes != 50<<20 {
		t.Errorf("DefaultPolicy().MaxBytes = %d, want %d", p.MaxBytes, 50<<20)
	}
	if p.CompressThreshold != 10<<10 {
		t.Errorf("DefaultPolicy().CompressThreshold = %d, want %d", p.CompressThreshold, 10<<10)
	}
	if p.StaleGrace != time.Hour {
		t.Errorf("DefaultPolicy().StaleGrace = %v, want %v", p.StaleGrace, time.Hour)
	}
	if p.SimilarityFloor != 50 {
		t.Errorf("DefaultPolicy().SimilarityFloor = %d, want 50", p.SimilarityFloor)
	}
	if p.Weights != DefaultWeights() {
		t.Errorf("DefaultPolicy().Weights = %+v, want %+v", p.Weights, DefaultWeights())
	}
	if err := p.Validate(); err != nil {
		t.Errorf("DefaultPolicy().Validate() = %v, want nil", err)
	}
}

func TestPolicy_TTLMatrix(t *testing.T) {
	tests := []struct {
		name       string
		defaultTTL time.Duration
		maxTTL     time.Duration
		override   time.Duration
		want       time.Duration
	}{
		{
			name:       "no override uses default",
			defaultTTL: 5 * time.Minute,
			maxTTL:     10 * time.Minute,
			want:       5 * time.Minute,
		},
		{
			name:       "override within max",
			defaultTTL: 5 * time.Minute,
			maxTTL:     10 * time.Minute,
			override:   7 * time.Minute,
			want:       7 * time.Minute,
		},
		{
			name:       "override exceeds max, clamped",
			defaultTTL: 5 * time.Minute,
			maxTTL:     10 * time.Minute,
			override:   20 * time.Minute,
			want:       10 * time.Minute,
		},
		{
			name:       "default exceeds max, clamped",
			defaultTTL: 15 * time.Minute,
			maxTTL:     10 * time.Minute,
			want:       10 * time.Minute,
		},
		{
			name:       "no max TTL, override used as-is",
			defaultTTL: 5 * time.Minute,
			override:   time.Hour,
			want:       time.Hour,
		},
		{
			name:       "negative override treated as zero (use default)",
			defaultTTL: 5 * time.Minute,
			maxTTL:     10 * time.Minute,
			override:   -time.Minute,
			want:       5 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{
				DefaultTTL: tt.defaultTTL,
				MaxTTL:     tt.maxTTL,
			}
			got := p.EffectiveTTL(tt.override)
			if got != tt.want {
				t.Errorf("EffectiveTTL(%v) = %v, want %v", tt.override, got, tt.want)
			}
		})
	}
}

func TestPolicy_Retention(t *testing.T) {
	p := Policy{StaleGrace: time.Hour}
	if got := p.Retention(5 * time.Minute); got != 65*time.Minute {
		t.Errorf("Retention(5m) = %v, want %v", got, 65*time.Minute)
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr bool
	}{
		{"default", func(*Policy) {}, false},
		{"zero default TTL", func(p *Policy) { p.DefaultTTL = 0 }, true},
		{"negative max TTL", func(p *Policy) { p.MaxTTL = -1 }, true},
		{"zero budget", func(p *Policy) { p.MaxBytes = 0 }, true},
		{"negative grace", func(p *Policy) { p.StaleGrace = -time.Second }, true},
		{"negative floor", func(p *Policy) { p.SimilarityFloor = -1 }, true},
		{"no grace", func(p *Policy) { p.StaleGrace = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPriority_StringAndParse(t *testing.T) {
	tests := []struct {
		p    Priority
		want string
	}{
		{0, "medium"},
		{PriorityLow, "low"},
		{PriorityMedium, "medium"},
		{PriorityHigh, "high"},
		{PriorityCritical, "critical"},
	}

	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Priority(%d).String() = %q, want %q", tt.p, got, tt.want)
		}
		if tt.p == 0 {
			continue
		}
		if got := ParsePriority(" " + tt.want + " "); got != tt.p {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.want, got, tt.p)
		}
	}

	if got := ParsePriority("urgent"); got != PriorityMedium {
		t.Errorf("ParsePriority(urgent) = %v, want medium", got)
	}
}

func TestSemanticHints_Tags(t *testing.T) {
	h := SemanticHints{Category: " Sneakers", Brand: "NIKE", ItemType: ""}
	got := h.Tags()
	want := []string{"category:sneakers", "brand:nike"}
	if len(got) != len(want) {
		t.Fatalf("Tags() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Tags()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if back := HintsFromTags(got); back != (SemanticHints{Category: "sneakers", Brand: "nike"}) {
		t.Errorf("HintsFromTags(%v) = %+v", got, back)
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{"A", " a ", "", "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("NormalizeTags = %v, want [a b]", got)
	}
}

func TestStats_Ratios(t *testing.T) {
	s := Stats{Hits: 3, Misses: 1, Bytes: 25, MaxBytes: 100}
	if got := s.HitRate(); got != 0.75 {
		t.Errorf("HitRate() = %v, want 0.75", got)
	}
	if got := s.Utilization(); got != 0.25 {
		t.Errorf("Utilization() = %v, want 0.25", got)
	}
	if got := (Stats{}).HitRate(); got != 0 {
		t.Errorf("empty HitRate() = %v, want 0", got)
	}
}
