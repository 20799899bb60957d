package experiment

import (
	"hash/fnv"
	"math/rand/v2"
	"sync"
)

// Assignment is the routing decision for one request.
type Assignment struct {
	ExperimentID string `json:"experiment_id"`
	Fragment     string `json:"fragment"`

	// Entered is false when the experiment is not active or the request fell
	// outside the traffic allocation; the caller then uses live content.
	Entered   bool   `json:"entered"`
	Label     Label  `json:"label,omitempty"`
	VersionID string `json:"version_id,omitempty"`
}

// Assign routes one request. With a non-empty requestKey the decision is
// sticky: the same key always lands in the same arm of the same experiment.
// An empty key draws from random.
func Assign(e *Experiment, requestKey string, random func() float64) Assignment {
	out := Assignment{ExperimentID: e.ID, Fragment: e.TargetFragment}
	if e.Status != StatusActive {
		return out
	}

	draw := func(salt string) float64 {
		if requestKey == "" {
			return random()
		}
		return stickyUnit(e.ID, salt, requestKey)
	}

	if draw("enter")*100 >= e.TrafficAllocationPercent {
		return out
	}

	v := e.Variants[1]
	if draw("arm") < shareA(e.Variants) {
		v = e.Variants[0]
	}
	out.Entered = true
	out.Label = v.Label
	out.VersionID = v.VersionID
	return out
}

// shareA is the probability of routing to the first variant.
func shareA(vs [2]Variant) float64 {
	wa, wb := vs[0].TrafficWeight, vs[1].TrafficWeight
	if wa+wb <= 0 {
		return 0.5
	}
	return wa / (wa + wb)
}

// stickyUnit hashes (experiment, salt, key) to a uniform value in [0, 1).
func stickyUnit(experimentID, salt, key string) float64 {
	h := fnv.New64a()
	h.Write([]byte(experimentID))
	h.Write([]byte{0})
	h.Write([]byte(salt))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return float64(h.Sum64()>>11) / (1 << 53)
}

// lockedRand is a goroutine-safe uniform source.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(seed uint64) *lockedRand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}
