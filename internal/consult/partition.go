package consult

import "sync"

// Partitions hands out one mutex per provider. Every mutation of a provider's
// requests, queue and sessions runs under that provider's mutex; different providers
// never contend.
type Partitions struct {
	locks sync.Map
}

func NewPartitions() *Partitions {
	return &Partitions{}
}

// Lock acquires the provider's mutex and returns its release func.
func (p *Partitions) Lock(providerID string) func() {
	v, _ := p.locks.LoadOrStore(providerID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
