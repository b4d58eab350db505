package mosaic

import (
	"sync"
)

// ConcLimiter caps how many tile reads are in flight at once. Increase
// claims a slot and blocks while all slots are taken; Decrease returns
// it. Wait blocks until every claimed slot has been returned.
type ConcLimiter struct {
	wg    sync.WaitGroup
	slots chan struct{}
}

// NewConcLimiter builds a limiter with the given number of slots.
func NewConcLimiter(concurrency int) *ConcLimiter {
	return &ConcLimiter{slots: make(chan struct{}, concurrency)}
}

func (c *ConcLimiter) Increase() {
	c.wg.Add(1)
	c.slots <- struct{}{}
}

func (c *ConcLimiter) Decrease() {
	<-c.slots
	c.wg.Done()
}

func (c *ConcLimiter) Wait() {
	c.wg.Wait()
}
