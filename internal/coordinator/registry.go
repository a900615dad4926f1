package coordinator

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opuslog/opuslog/internal/core/observability/log"
	"github.com/opuslog/opuslog/internal/core/resolve"
	"github.com/opuslog/opuslog/internal/core/store"
)

// Registry owns the per-user actor map. Actors are created lazily on
// first use and evicted after sitting idle with no connections; all
// durable state lives in the store, so eviction never loses anything.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*Actor
	closed bool

	store    *store.Store
	resolver *resolve.Resolver
	cfg      Config
	logger   log.Log
	stopCh   chan struct{}
}

func NewRegistry(st *store.Store, resolver *resolve.Resolver, cfg Config, logger log.Log) *Registry {
	if logger == nil {
		logger = log.Provide()
	}
	r := &Registry{
		actors:   make(map[string]*Actor),
		store:    st,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With(log.String("component", "registry")),
		stopCh:   make(chan struct{}),
	}
	go r.evictLoop()
	return r
}

// Actor returns the user's actor, creating it on first use.
func (r *Registry) Actor(userID string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if a, ok := r.actors[userID]; ok {
		return a, nil
	}
	a := newActor(userID, r.store, r.resolver, r.cfg, r.logger)
	r.actors[userID] = a
	r.logger.Info("actor created", log.String("user_id", userID), log.Int("actors", len(r.actors)))
	return a, nil
}

// AttachConnection registers an upgraded WebSocket connection with the
// owning user's actor.
func (r *Registry) AttachConnection(userID, deviceID string, conn *websocket.Conn) error {
	a, err := r.Actor(userID)
	if err != nil {
		return err
	}
	sess := newSession(userID, deviceID, conn, a, r.cfg, r.logger)
	return a.Attach(sess)
}

// ActorCount returns the number of live actors.
func (r *Registry) ActorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// ConnectionCount sums live device connections across actors.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, a := range r.actors {
		total += a.ConnectionCount()
	}
	return total
}

// Close stops every actor and rejects further lookups.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()

	close(r.stopCh)
	for _, a := range actors {
		a.Stop()
	}
}

func (r *Registry) evictLoop() {
	interval := r.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.evictIdle()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) evictIdle() {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)
	var evicted []*Actor
	r.mu.Lock()
	for userID, a := range r.actors {
		if a.ConnectionCount() == 0 && a.IdleSince().Before(cutoff) {
			delete(r.actors, userID)
			evicted = append(evicted, a)
		}
	}
	r.mu.Unlock()
	for _, a := range evicted {
		a.Stop()
		r.logger.Info("actor evicted", log.String("user_id", a.userID))
	}
}
