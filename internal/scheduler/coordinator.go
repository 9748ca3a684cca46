// Package scheduler drives the optimizer: the tick orchestrator, the pulse
// sweep, the command executor they share and the cron runner that fires them.
package scheduler

import "sync"

// Coordinator serialises commands per item across drivers and tracks the
// items a pulse sweep is currently holding.
type Coordinator struct {
	mu     sync.Mutex
	locks  map[string]*itemLock
	leases map[string]string
}

type itemLock struct {
	mu   sync.Mutex
	refs int
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		locks:  make(map[string]*itemLock),
		leases: make(map[string]string),
	}
}

// Lock blocks until hash is free and returns the unlock func.
func (c *Coordinator) Lock(hash string) func() {
	c.mu.Lock()
	l, ok := c.locks[hash]
	if !ok {
		l = &itemLock{}
		c.locks[hash] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, hash)
		}
		c.mu.Unlock()
	}
}

// Lease marks hashes as held by owner until the returned release runs.
// Hashes already leased to another owner are left alone.
func (c *Coordinator) Lease(owner string, hashes []string) func() {
	c.mu.Lock()
	var taken []string
	for _, h := range hashes {
		if _, ok := c.leases[h]; ok {
			continue
		}
		c.leases[h] = owner
		taken = append(taken, h)
	}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			for _, h := range taken {
				if c.leases[h] == owner {
					delete(c.leases, h)
				}
			}
			c.mu.Unlock()
		})
	}
}

func (c *Coordinator) Leased(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.leases[hash]
	return ok
}
