package cache

import (
	"sort"
	"time"
)

// minAgeHours keeps the access-rate term finite for brand-new entries.
const minAgeHours = 1.0 / 60

// evictionScore ranks an entry for removal; lower scores go first.
// score = priorityWeight × (accessCount / ageHours) × 1/(1+idleHours)
func evictionScore(p Priority, accessCount int64, created, lastAccess, now time.Time) float64 {
	ageHours := max(now.Sub(created).Hours(), minAgeHours)
	idleHours := max(now.Sub(lastAccess).Hours(), 0)
	return p.weight() * (float64(accessCount) / ageHours) * (1 / (1 + idleHours))
}

type candidate[T any] struct {
	e       *entry[T]
	expired bool
	score   float64
}

// selectVictims picks entries to free at least need bytes. Expired entries
// go first, then the lowest eviction score, lower priority, and oldest
// access. Critical entries and the key being written are never candidates.
// ok is false, and nothing is selected, when the candidates cannot free
// enough.
func selectVictims[T any](entries map[string]*entry[T], need int64, skip string, now time.Time) (victims []*entry[T], ok bool) {
	var cands []candidate[T]
	var available int64
	for key, e := range entries {
		if key == skip || e.priority == PriorityCritical {
			continue
		}
		cands = append(cands, candidate[T]{
			e:       e,
			expired: e.expired(now),
			score:   evictionScore(e.priority, e.accessCount, e.createdAt, e.lastAccess, now),
		})
		available += e.size
	}
	if available < need {
		return nil, false
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.expired != b.expired {
			return a.expired
		}
		if a.score != b.score {
			return a.score < b.score
		}
		if a.e.priority != b.e.priority {
			return a.e.priority < b.e.priority
		}
		if !a.e.lastAccess.Equal(b.e.lastAccess) {
			return a.e.lastAccess.Before(b.e.lastAccess)
		}
		return a.e.key < b.e.key
	})

	var freed int64
	for _, c := range cands {
		if freed >= need {
			break
		}
		victims = append(victims, c.e)
		freed += c.e.size
	}
	return victims, true
}
