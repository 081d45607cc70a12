package cache

import (
	"testing"
	"time"
)

func TestEvictionScore(t *testing.T) {
	now := epoch.Add(2 * time.Hour)

	tests := []struct {
		name        string
		p           Priority
		accessCount int64
		created     time.Time
		lastAccess  time.Time
		want        float64
	}{
		{"never accessed", PriorityHigh, 0, epoch, epoch, 0},
		{"medium, 4 hits over 2h, idle 1h", PriorityMedium, 4, epoch, epoch.Add(time.Hour), 2 * 2 * 0.5},
		{"high, fresh access", PriorityHigh, 2, epoch, now, 4 * 1},
		{"brand-new entry uses one-minute age", PriorityLow, 1, now, now, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := evictionScore(tt.p, tt.accessCount, tt.created, tt.lastAccess, now)
			if got != tt.want {
				t.Errorf("evictionScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func testEntry(key string, p Priority, size int64, access int64) *entry[string] {
	return &entry[string]{
		key:         key,
		priority:    p,
		size:        size,
		accessCount: access,
		createdAt:   epoch,
		lastAccess:  epoch,
		ttl:         time.Hour,
	}
}

func TestSelectVictims(t *testing.T) {
	now := epoch.Add(time.Minute)
	entries := map[string]*entry[string]{
		"crit":  testEntry("crit", PriorityCritical, 100, 0),
		"low":   testEntry("low", PriorityLow, 10, 0),
		"med":   testEntry("med", PriorityMedium, 10, 0),
		"hot":   testEntry("hot", PriorityHigh, 10, 50),
		"write": testEntry("write", PriorityLow, 10, 0),
	}

	victims, ok := selectVictims(entries, 15, "write", now)
	if !ok {
		t.Fatal("selectVictims() ok = false, want true")
	}
	if len(victims) != 2 || victims[0].key != "low" || victims[1].key != "med" {
		var keys []string
		for _, v := range victims {
			keys = append(keys, v.key)
		}
		t.Errorf("victims = %v, want [low med]", keys)
	}

	if _, ok := selectVictims(entries, 31, "write", now); ok {
		t.Error("selectVictims(31) ok = true, want false: only 30 evictable bytes")
	}
}
