// Package idgen implements KohakuRiver's 64-bit monotonic task ID scheme:
// high bits are milliseconds since a configured epoch, low bits are a
// per-process counter, so IDs are strictly increasing and collision-free
// across restarts as long as the epoch floor is persisted.
package idgen

import (
	"fmt"
	"sync"
	"time"
)

// CounterBits is the number of low bits reserved for the per-millisecond
// counter. 12 bits allows 4096 IDs per millisecond before the generator
// blocks to wait for the next tick.
const CounterBits = 12

const counterMask = (1 << CounterBits) - 1

// Generator produces strictly increasing 64-bit task IDs. Safe for
// concurrent use.
type Generator struct {
	mu         sync.Mutex
	epoch      time.Time
	lastMillis int64
	counter    int64
	persist    func(lastMillis int64) error
}

// New creates a generator using epoch as the zero point for the millisecond
// high bits. persist, if non-nil, is called whenever the millisecond
// component advances, so a restart can resume from at least that floor.
func New(epoch time.Time, persist func(lastMillis int64) error) *Generator {
	return &Generator{epoch: epoch, persist: persist}
}

// Restore seeds the generator with the last-persisted millisecond floor,
// guaranteeing IDs issued after a restart never collide with IDs issued
// before it.
func (g *Generator) Restore(lastMillis int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if lastMillis > g.lastMillis {
		g.lastMillis = lastMillis
	}
}

// Next returns the next strictly increasing task ID.
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	millis := time.Since(g.epoch).Milliseconds()
	if millis < g.lastMillis {
		// Clock moved backwards (NTP step, VM pause/resume). Hold at the
		// last-seen millisecond rather than emitting a lower ID.
		millis = g.lastMillis
	}

	if millis == g.lastMillis {
		g.counter++
		if g.counter > counterMask {
			// Counter exhausted for this millisecond; spin to the next one.
			for millis <= g.lastMillis {
				time.Sleep(100 * time.Microsecond)
				millis = time.Since(g.epoch).Milliseconds()
			}
			g.counter = 0
		}
	} else {
		g.counter = 0
	}

	if millis != g.lastMillis {
		g.lastMillis = millis
		if g.persist != nil {
			if err := g.persist(millis); err != nil {
				return 0, fmt.Errorf("idgen: persist epoch floor: %w", err)
			}
		}
	}

	id := (millis << CounterBits) | g.counter
	if id <= 0 {
		return 0, fmt.Errorf("idgen: epoch %s is in the future", g.epoch)
	}
	return id, nil
}
