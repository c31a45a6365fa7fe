package core

import (
	"log/slog"
	"sort"
	"sync"

	"LiveDesk/entity"
	"LiveDesk/internal/lib/sl"
)

// PresenceRegistry maps live connections to authenticated identities. An
// identity may hold several simultaneous connections (multi-device);
// presence flips only on the 0→1 and 1→0 connection-count transitions.
type PresenceRegistry struct {
	mu     sync.RWMutex
	byConn map[string]string
	byID   map[string]*presenceEntry
	log    *slog.Logger
}

type presenceEntry struct {
	identity *entity.Identity
	conns    map[string]struct{}
}

func NewPresenceRegistry(log *slog.Logger) *PresenceRegistry {
	return &PresenceRegistry{
		byConn: make(map[string]string),
		byID:   make(map[string]*presenceEntry),
		log:    log.With(sl.Module("core.presence")),
	}
}

// Register inserts a connection under its identity. It returns true when the
// identity just came online (had no prior connection).
func (p *PresenceRegistry) Register(connID string, identity *entity.Identity) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byConn[connID]; ok {
		return false, ErrDuplicateConnection
	}

	entry, ok := p.byID[identity.ID]
	if !ok {
		entry = &presenceEntry{
			identity: identity,
			conns:    make(map[string]struct{}),
		}
		p.byID[identity.ID] = entry
	} else {
		// Latest authentication wins for the cached identity view.
		entry.identity = identity
	}

	wentOnline := len(entry.conns) == 0
	entry.conns[connID] = struct{}{}
	p.byConn[connID] = identity.ID

	return wentOnline, nil
}

// Unregister removes a connection. It returns the owning identity id and
// whether the identity just went offline (lost its last connection). The
// second return is false when the connection was unknown.
func (p *PresenceRegistry) Unregister(connID string) (identityID string, wentOffline, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	identityID, ok = p.byConn[connID]
	if !ok {
		return "", false, false
	}
	delete(p.byConn, connID)

	entry := p.byID[identityID]
	if entry == nil {
		return identityID, false, true
	}
	delete(entry.conns, connID)
	if len(entry.conns) == 0 {
		delete(p.byID, identityID)
		return identityID, true, true
	}
	return identityID, false, true
}

// ConnectionsOf returns the live connection ids held by the identity.
func (p *PresenceRegistry) ConnectionsOf(identityID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.byID[identityID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.conns))
	for id := range entry.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *PresenceRegistry) IsPresent(identityID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.byID[identityID]
	return ok && len(entry.conns) > 0
}

// Identity returns the cached identity view for a present identity.
func (p *PresenceRegistry) Identity(identityID string) *entity.Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.byID[identityID]
	if !ok {
		return nil
	}
	return entry.identity
}

// Online returns all present identities, ordered by id.
func (p *PresenceRegistry) Online() []*entity.Identity {
	return p.snapshot(func(*entity.Identity) bool { return true })
}

// OnlineAgents returns present identities holding agent or admin role,
// ordered by id.
func (p *PresenceRegistry) OnlineAgents() []*entity.Identity {
	return p.snapshot(func(i *entity.Identity) bool { return i.IsAgent() })
}

func (p *PresenceRegistry) snapshot(keep func(*entity.Identity) bool) []*entity.Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*entity.Identity, 0, len(p.byID))
	for _, entry := range p.byID {
		if len(entry.conns) > 0 && keep(entry.identity) {
			out = append(out, entry.identity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reconcile compares the durable "marked online" set against the registry
// and returns the identities that must be forced offline. Restarts, crashes
// and missed disconnects leave stale online records; this sweep is the
// self-healing backstop and is safe against concurrent (un)registration.
func (p *PresenceRegistry) Reconcile(knownOnline []string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var stale []string
	for _, id := range knownOnline {
		entry, ok := p.byID[id]
		if !ok || len(entry.conns) == 0 {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		p.log.Debug("reconcile found stale online identities", slog.Int("count", len(stale)))
	}
	return stale
}
