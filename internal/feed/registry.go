package feed

import (
	"context"
	"fmt"

	"github.com/MercuriusDream/Canaria/internal/model"
)

// Registry owns the named set of configured feed connectors so the
// admin surface (C9) can address one by name for reconnect_feed, and
// health/monitoring views can enumerate all of them without each
// caller threading its own connector list around.
type Registry struct {
	conns map[string]*Connector
	order []string
}

// NewRegistry builds a Registry over conns, remembering the order they
// were supplied in; Run starts them in that order. States returns a map,
// so it does not preserve this order.
func NewRegistry(conns ...*Connector) *Registry {
	r := &Registry{conns: make(map[string]*Connector, len(conns))}
	for _, c := range conns {
		r.conns[c.Name] = c
		r.order = append(r.order, c.Name)
	}
	return r
}

// Run starts every registered connector's loop; it returns once ctx is
// canceled and all connectors have stopped.
func (r *Registry) Run(ctx context.Context) {
	done := make(chan struct{}, len(r.order))
	for _, name := range r.order {
		c := r.conns[name]
		go func() {
			c.Run(ctx)
			done <- struct{}{}
		}()
	}
	for range r.order {
		<-done
	}
}

// States returns a snapshot of every connector's liveness, keyed by
// feed name.
func (r *Registry) States() map[string]model.FeedState {
	out := make(map[string]model.FeedState, len(r.conns))
	for name, c := range r.conns {
		out[name] = c.State()
	}
	return out
}

// AnyConnected reports whether at least one connector is in the
// Connected state, the "feeds healthy" predicate spec.md §4.9 names.
func (r *Registry) AnyConnected() bool {
	for _, c := range r.conns {
		if c.State().Status == model.StatusConnected {
			return true
		}
	}
	return false
}

// Reconnect force-closes and reconnects the named connector, the
// admin reconnect_feed action's effect.
func (r *Registry) Reconnect(name string) error {
	c, ok := r.conns[name]
	if !ok {
		return fmt.Errorf("feed: unknown connector %q", name)
	}
	c.ForceReconnect()
	return nil
}
