package mcp

import (
	"sync"
	"time"
)

// replayGuard rejects a signature seen again within ttl.
type replayGuard struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	max       int
	lastPrune time.Time
}

func newReplayGuard(ttl time.Duration) *replayGuard {
	if ttl <= 0 {
		ttl = 2 * maxSkew
	}
	return &replayGuard{seen: make(map[string]time.Time), ttl: ttl, max: 65536}
}

// allow records the signature and reports whether it is fresh. A full guard
// refuses new signatures until entries expire; dropping live entries would
// let their requests replay.
func (g *replayGuard) allow(actor, signature string, now time.Time) bool {
	key := actor + "|" + signature

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.seen) >= g.max || len(g.seen) > g.max/16 || now.Sub(g.lastPrune) > g.ttl/2 {
		g.prune(now)
	}
	if exp, ok := g.seen[key]; ok && exp.After(now) {
		return false
	}
	if len(g.seen) >= g.max {
		return false
	}
	g.seen[key] = now.Add(g.ttl)
	return true
}

func (g *replayGuard) prune(now time.Time) {
	for k, exp := range g.seen {
		if !exp.After(now) {
			delete(g.seen, k)
		}
	}
	g.lastPrune = now
}
