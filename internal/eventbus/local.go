// Package eventbus provides an in-process domain.EventBus for single-replica
// deployments without Redis.
package eventbus

import (
	"context"
	"path"
	"sync"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

var _ domain.EventBus = (*Local)(nil)

type subscriber struct {
	pattern string
	ch      chan []byte
}

// Local fans published payloads out to pattern subscribers. Slow subscribers
// drop messages rather than block publishers.
type Local struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewLocal creates an empty bus.
func NewLocal() *Local {
	return &Local{subs: make(map[*subscriber]struct{})}
}

func (b *Local) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		msg := append([]byte(nil), payload...)
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// PSubscribe registers a glob pattern (path.Match syntax). The channel is
// closed once ctx is done.
func (b *Local) PSubscribe(ctx context.Context, pattern string) (<-chan []byte, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	s := &subscriber{pattern: pattern, ch: make(chan []byte, 128)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}
