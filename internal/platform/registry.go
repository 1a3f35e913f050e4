package platform

import (
	"sync"

	"github.com/google/uuid"

	"github.com/esse-scrape/gram/internal/domain"
)

// Registry is the concurrent session-id -> live client map referenced in
// spec §5 and §9: inserts happen on login/unfreeze, removals on
// freeze/logout, lookups are lock-free. Tasks acquire a short-lived handle
// by lookup; nothing here clones ownership or ref-counts a client. It holds
// domain.PlatformClient rather than the concrete Client type so callers
// (and their tests) can swap in a fake.
type Registry struct {
	clients sync.Map // uuid.UUID -> domain.PlatformClient
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Store publishes client under id, replacing any previous entry.
func (r *Registry) Store(id uuid.UUID, client domain.PlatformClient) {
	r.clients.Store(id, client)
}

// Load returns the client registered under id, if any.
func (r *Registry) Load(id uuid.UUID) (domain.PlatformClient, bool) {
	v, ok := r.clients.Load(id)
	if !ok {
		return nil, false
	}
	return v.(domain.PlatformClient), true
}

// Delete removes id's entry, called on freeze/logout.
func (r *Registry) Delete(id uuid.UUID) {
	r.clients.Delete(id)
}
