package dispatch

import (
	"sync"

	"github.com/google/uuid"
)

type pendingKey struct {
	action Action
	target string
}

// pendingSet holds at most one token per (action, target).
type pendingSet struct {
	mu   sync.Mutex
	held map[pendingKey]string
}

// acquire returns a release func that is safe to call more than once.
func (p *pendingSet) acquire(action Action, target string) (string, func(), bool) {
	key := pendingKey{action: action, target: target}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held == nil {
		p.held = map[pendingKey]string{}
	}
	if _, busy := p.held[key]; busy {
		return "", func() {}, false
	}
	token := uuid.NewString()
	p.held[key] = token

	var once sync.Once
	return token, func() {
		once.Do(func() {
			p.mu.Lock()
			if p.held[key] == token {
				delete(p.held, key)
			}
			p.mu.Unlock()
		})
	}, true
}

func (p *pendingSet) busy(action Action, target string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.held[pendingKey{action: action, target: target}]
	return ok
}

func (p *pendingSet) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}
