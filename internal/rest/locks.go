package rest

import (
	"context"
	"strings"
	"sync"
)

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// hostKey is the lock key for a host's job container. Environments sharing a
// hostname share the key.
func hostKey(hostname string) string {
	return "host:" + strings.ToLower(strings.TrimSpace(hostname))
}

// lockEnvironmentHost resolves the environment and locks its host.
func (s *Server) lockEnvironmentHost(ctx context.Context, environmentID string) (func(), error) {
	env, err := s.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	return s.hostLocks.Lock(hostKey(env.Hostname)), nil
}
