package viewer

import (
	"context"
	"log"
	"sync"
	"time"

	"markup/internal/util"
)

// Registry holds the open sessions of this process. Sessions idle for longer than
// the TTL are dropped on the next lookup.
type Registry struct {
	deps Deps
	ttl  time.Duration

	mu       sync.Mutex
	sessions map[string]*Controller
}

func NewRegistry(deps Deps, ttl time.Duration) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Registry{deps: deps, ttl: ttl, sessions: make(map[string]*Controller)}
}

// Open starts a new session on a document. Nothing is registered when opening fails.
func (r *Registry) Open(ctx context.Context, req OpenRequest) (string, *Controller, error) {
	controller := NewController(r.deps)
	if err := controller.Open(ctx, req); err != nil {
		return "", nil, err
	}
	id := util.NewID("sess")

	r.mu.Lock()
	expired := r.pruneLocked()
	r.sessions[id] = controller
	r.mu.Unlock()
	closeAll(expired)
	return id, controller, nil
}

func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.Lock()
	expired := r.pruneLocked()
	controller, ok := r.sessions[id]
	r.mu.Unlock()
	closeAll(expired)
	return controller, ok
}

// Close closes and forgets a session, reporting whether it existed.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	controller, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		controller.Close()
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// pruneLocked forgets expired sessions and returns them for closeAll. Closing waits
// for any operation still running on a session, so it never happens under r.mu.
func (r *Registry) pruneLocked() []*Controller {
	if r.ttl <= 0 {
		return nil
	}
	cutoff := r.deps.Now().Add(-r.ttl)
	var expired []*Controller
	for id, controller := range r.sessions {
		if controller.idleSince().Before(cutoff) {
			delete(r.sessions, id)
			expired = append(expired, controller)
			log.Printf("viewer: session %s expired", id)
		}
	}
	return expired
}

func closeAll(controllers []*Controller) {
	for _, controller := range controllers {
		go controller.Close()
	}
}
