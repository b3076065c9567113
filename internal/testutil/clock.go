package testutil

import (
	"fmt"
	"sync"
	"time"
)

// StubClock returns a settable time. Safe for concurrent use.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewStubClock creates a StubClock set to the given time.
func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t.UTC()}
}

// FixedClock returns a StubClock set to 2024-01-15 10:30:00 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. A negative d moves it back, which is
// how tests simulate skew between processes.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StubIDGenerator hands out a scripted sequence of IDs, then sequential ones:
// "id-1", "id-2", etc.
type StubIDGenerator struct {
	mu       sync.Mutex
	counter  int
	scripted []string
}

func NewStubIDGenerator(scripted ...string) *StubIDGenerator {
	return &StubIDGenerator{scripted: scripted}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.scripted) > 0 {
		id := g.scripted[0]
		g.scripted = g.scripted[1:]
		return id
	}
	g.counter++
	return fmt.Sprintf("id-%d", g.counter)
}
