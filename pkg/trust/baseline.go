package trust

import (
	"sync"
	"time"
)

// BaselineTracker learns each entity's typical access pattern from
// successful authentications and scores new requests against it. The
// score feeds the behavioral-normalcy trust factor.
type BaselineTracker struct {
	mu       sync.RWMutex
	profiles map[string]*baselineProfile
}

type baselineProfile struct {
	hourCounts [24]int
	total      int
	sourceIPs  map[string]int
}

func NewBaselineTracker() *BaselineTracker {
	return &BaselineTracker{profiles: make(map[string]*baselineProfile)}
}

// minObservations is how many successful authentications are needed
// before the baseline produces a signal.
const minObservations = 5

// Record observes one successful authentication.
func (b *BaselineTracker) Record(entityID, sourceIP string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.profiles[entityID]
	if !ok {
		p = &baselineProfile{sourceIPs: make(map[string]int)}
		b.profiles[entityID] = p
	}
	p.hourCounts[at.Hour()]++
	p.total++
	if sourceIP != "" {
		p.sourceIPs[sourceIP]++
	}
}

// Score rates how typical this request looks for the entity, in [0,1].
// Returns -1 while there are too few observations to judge.
func (b *BaselineTracker) Score(entityID, sourceIP string, at time.Time) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.profiles[entityID]
	if !ok || p.total < minObservations {
		return -1
	}

	// Hour typicality: share of past activity in this hour and its
	// neighbors, scaled so an entity's single busiest window scores high.
	hour := at.Hour()
	window := p.hourCounts[hour] + p.hourCounts[(hour+23)%24] + p.hourCounts[(hour+1)%24]
	hourScore := float64(window) / float64(p.total) * 3
	if hourScore > 1 {
		hourScore = 1
	}

	ipScore := 0.0
	if sourceIP != "" {
		if _, seen := p.sourceIPs[sourceIP]; seen {
			ipScore = 1.0
		}
	}

	return 0.5*hourScore + 0.5*ipScore
}
