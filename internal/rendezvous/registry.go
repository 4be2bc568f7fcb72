package rendezvous

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/natchat/internal/logging"
	"github.com/saintparish4/natchat/pkg/types"
)

// Entry is the latest endpoint reported for a peer.
type Entry struct {
	PeerID   types.PeerID   `json:"peer_id"`
	Endpoint types.Endpoint `json:"endpoint"`
	LastSeen time.Time      `json:"last_seen"`
}

// Registry maps peer ids to their most recently reported public endpoint.
// It uses a read-write mutex to allow concurrent reads while serializing writes.
//
// Entries are never evicted. A peer that went away keeps its last endpoint
// until someone registers the same id again.
type Registry struct {
	entries map[types.PeerID]Entry
	mu      sync.RWMutex

	registrations atomic.Uint64
	lookups       atomic.Uint64
	misses        atomic.Uint64

	now    func() time.Time
	Logger *logrus.Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[types.PeerID]Entry),
		now:     time.Now,
		Logger:  logging.For("registry"),
	}
}

// Register records ep as the endpoint for id, replacing whatever was there.
// Last write wins; repeating the same call is harmless.
func (r *Registry) Register(id types.PeerID, ep types.Endpoint) Entry {
	r.mu.Lock()
	prev, existed := r.entries[id]
	entry := Entry{PeerID: id, Endpoint: ep, LastSeen: r.now()}
	r.entries[id] = entry
	total := len(r.entries)
	r.mu.Unlock()

	r.registrations.Add(1)

	fields := logrus.Fields{
		"peer_id":      id,
		"endpoint":     ep.String(),
		"active_peers": total,
	}
	if existed && prev.Endpoint != ep {
		fields["previous"] = prev.Endpoint.String()
	}
	r.Logger.WithFields(fields).Info("Registered peer")

	return entry
}

// Lookup returns the latest entry for id, however old. A successful lookup
// counts as activity and refreshes LastSeen.
func (r *Registry) Lookup(id types.PeerID) (Entry, error) {
	r.lookups.Add(1)

	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		entry.LastSeen = r.now()
		r.entries[id] = entry
	}
	r.mu.Unlock()

	if !ok {
		r.misses.Add(1)
		r.Logger.WithField("peer_id", id).Debug("Lookup miss")
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, nil
}

// Count returns the number of known peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// PeerIDs returns all known ids, sorted.
func (r *Registry) PeerIDs() []types.PeerID {
	r.mu.RLock()
	ids := make([]types.PeerID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	stats := RegistryStats{
		Registrations: r.registrations.Load(),
		Lookups:       r.lookups.Load(),
		Misses:        r.misses.Load(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats.TotalPeers = len(r.entries)
	for _, e := range r.entries {
		if stats.OldestSeen.IsZero() || e.LastSeen.Before(stats.OldestSeen) {
			stats.OldestSeen = e.LastSeen
		}
	}
	return stats
}

// RegistryStats contains registry statistics.
type RegistryStats struct {
	TotalPeers    int
	Registrations uint64
	Lookups       uint64
	Misses        uint64
	OldestSeen    time.Time
}

func (s RegistryStats) String() string {
	return fmt.Sprintf("TotalPeers=%d, Registrations=%d, Lookups=%d, Misses=%d",
		s.TotalPeers, s.Registrations, s.Lookups, s.Misses)
}
