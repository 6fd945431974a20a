package memory

import (
	"context"
	"sync"
	"time"

	"github.com/telecare/telemed/internal/domain/compliance"
)

// Locker is a process-local compliance.Locker. The ttl is ignored; locks are
// held until unlocked.
type Locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocker creates a Locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]struct{})}
}

var _ compliance.Locker = (*Locker)(nil)

func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, compliance.ErrLocked
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
