package router

import (
	"context"
	"sync"
	"time"
)

// DedupWindow remembers delivery ids for a bounded duration so a
// replayed fan-out can skip targets that already received their copy.
// A zero window disables suppression unless RecordTTL supplies an
// explicit duration.
type DedupWindow struct {
	window time.Duration

	mu     sync.Mutex
	expiry map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDedupWindow creates a window. Expired entries stop matching
// immediately; a background sweep reclaims their memory.
func NewDedupWindow(window time.Duration) *DedupWindow {
	d := &DedupWindow{
		window: window,
		expiry: make(map[string]time.Time),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.sweepLoop()
	return d
}

// Record marks a delivery id as done for the window duration.
func (d *DedupWindow) Record(id string) {
	d.RecordTTL(id, d.window)
}

// RecordTTL marks a delivery id as done for a caller-chosen duration,
// overriding the window. A non-positive ttl records nothing.
func (d *DedupWindow) RecordTTL(id string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	d.mu.Lock()
	d.expiry[id] = time.Now().Add(ttl)
	d.mu.Unlock()
}

// Seen reports whether a delivery id was recorded and has not expired.
func (d *DedupWindow) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.expiry[id]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(d.expiry, id)
		return false
	}
	return true
}

// Len returns the number of entries held, expired ones included until
// the next sweep.
func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.expiry)
}

// Close stops the background sweep.
func (d *DedupWindow) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *DedupWindow) sweepLoop() {
	defer d.wg.Done()
	interval := d.window
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *DedupWindow) sweep() {
	now := time.Now()
	d.mu.Lock()
	for id, exp := range d.expiry {
		if now.After(exp) {
			delete(d.expiry, id)
		}
	}
	d.mu.Unlock()
}
