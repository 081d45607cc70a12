package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newBenchCache(b *testing.B, p Policy) *Adaptive[string] {
	b.Helper()
	c, err := New[string]("bench", p)
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}
	return c
}

// BenchmarkAdaptive_Get_Hit measures exact hit performance.
func BenchmarkAdaptive_Get_Hit(b *testing.B) {
	c := newBenchCache(b, DefaultPolicy())
	ctx := context.Background()
	_ = c.Set(ctx, "key", "value", SetOptions{TTL: time.Hour})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Get(ctx, "key", SemanticHints{})
	}
}

// BenchmarkAdaptive_Get_Semantic measures a semantic scan over 1000 entries.
func BenchmarkAdaptive_Get_Semantic(b *testing.B) {
	c := newBenchCache(b, DefaultPolicy())
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		_ = c.Set(ctx, fmt.Sprintf("key-%d", i), "value", SetOptions{
			Hints: SemanticHints{Category: fmt.Sprintf("c%d", i%10), Brand: fmt.Sprintf("b%d", i%7)},
		})
	}
	hints := SemanticHints{Category: "c3", Brand: "b3"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.Get(ctx, "missing", hints)
	}
}

// BenchmarkAdaptive_Set_Evicting measures writes under a full budget.
func BenchmarkAdaptive_Set_Evicting(b *testing.B) {
	p := DefaultPolicy()
	p.MaxBytes = 64 << 10
	c := newBenchCache(b, p)
	ctx := context.Background()
	value := strings.Repeat("v", 1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Set(ctx, fmt.Sprintf("key-%d", i), value, SetOptions{})
	}
}

// BenchmarkDefaultKeyer_Key measures key derivation.
func BenchmarkDefaultKeyer_Key(b *testing.B) {
	keyer := NewDefaultKeyer()
	params := map[string]any{"sku": "AB-123", "market": "US", "condition": "new"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = keyer.Key("pricing", params)
	}
}

// BenchmarkZstdCodec_Compress measures compression of a 16 KiB value.
func BenchmarkZstdCodec_Compress(b *testing.B) {
	codec := ZstdCodec[string]{}
	value := strings.Repeat("listing ", 2048)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.Compress(value)
	}
}
