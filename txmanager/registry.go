package txmanager

import (
	"fmt"
	"sort"
	"sync"

	"xacoord/xid"
)

type registryCenter struct {
	mu        sync.RWMutex
	factories map[string]ResourceFactory
}

func newRegistryCenter() *registryCenter {
	return &registryCenter{
		mu:        sync.RWMutex{},
		factories: make(map[string]ResourceFactory),
	}
}

func (r *registryCenter) register(f ResourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[f.Name()]; ok {
		return fmt.Errorf("repeat resource factory: %s", f.Name())
	}
	r.factories[f.Name()] = f
	return nil
}

func (r *registryCenter) getFactory(name string) (ResourceFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("resource factory: %s not registered", name)
	}
	return f, nil
}

func (r *registryCenter) getFactories() []ResourceFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factories := make([]ResourceFactory, 0, len(r.factories))
	for _, f := range r.factories {
		factories = append(factories, f)
	}
	sort.Slice(factories, func(i, j int) bool { return factories[i].Name() < factories[j].Name() })
	return factories
}

// liveSet tracks the transactions this process is still driving, so
// background recovery leaves them alone.
type liveSet struct {
	mu  sync.RWMutex
	txs map[xid.ID]*Transaction
}

func newLiveSet() *liveSet {
	return &liveSet{txs: make(map[xid.ID]*Transaction)}
}

func (l *liveSet) add(tx *Transaction) {
	l.mu.Lock()
	l.txs[tx.id] = tx
	l.mu.Unlock()
}

func (l *liveSet) remove(id xid.ID) {
	l.mu.Lock()
	delete(l.txs, id)
	l.mu.Unlock()
}

func (l *liveSet) contains(id xid.ID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.txs[id.Global()]
	return ok
}

func (l *liveSet) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.txs)
}
