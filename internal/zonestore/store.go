// Package zonestore is a session-local cache of zone truth. It is not the
// authority: it holds the last bulk fetch plus optimistic writes made after a
// locally initiated success, and is replaced wholesale on every resync.
package zonestore

import (
	"sort"
	"sync"

	"hexclaim.io/internal/territory"
)

type Store struct {
	mu         sync.RWMutex
	zones      map[string]territory.Zone
	optimistic map[string]struct{}
	generation uint64
}

func New() *Store {
	return &Store{
		zones:      map[string]territory.Zone{},
		optimistic: map[string]struct{}{},
	}
}

// ReplaceAll swaps in a full snapshot. Optimistic entries not present in zones
// are dropped; present ones take the authoritative values.
func (s *Store) ReplaceAll(zones []territory.Zone) {
	next := make(map[string]territory.Zone, len(zones))
	for _, z := range zones {
		if z.ID == "" {
			continue
		}
		next[z.ID] = z
	}
	s.mu.Lock()
	s.zones = next
	s.optimistic = map[string]struct{}{}
	s.generation++
	s.mu.Unlock()
}

// Upsert merges p by id: unknown ids insert, known ids shallow-merge.
func (s *Store) Upsert(p territory.ZonePatch) {
	if p.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[p.ID] = p.Apply(s.zones[p.ID])
}

// UpsertOptimistic is Upsert for writes not yet confirmed by a resync.
func (s *Store) UpsertOptimistic(p territory.ZonePatch) {
	if p.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[p.ID] = p.Apply(s.zones[p.ID])
	s.optimistic[p.ID] = struct{}{}
}

func (s *Store) Get(id string) (territory.Zone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[id]
	return z, ok
}

// Owner returns the owner id of a cell, "" when unclaimed or unknown.
func (s *Store) Owner(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zones[id].OwnerID
}

// ByOwner returns the zones of one owner ordered by id.
func (s *Store) ByOwner(ownerID string) []territory.Zone {
	if ownerID == "" {
		return nil
	}
	s.mu.RLock()
	var out []territory.Zone
	for _, z := range s.zones {
		if z.OwnerID == ownerID {
			out = append(out, z)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every zone ordered by id.
func (s *Store) All() []territory.Zone {
	s.mu.RLock()
	out := make([]territory.Zone, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, z)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Occupied returns the set of claimed cell ids.
func (s *Store) Occupied() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.zones))
	for id, z := range s.zones {
		if z.Claimed() {
			out[id] = struct{}{}
		}
	}
	return out
}

// Coords returns the synthetic coordinate pairs already in use.
func (s *Store) Coords() map[[2]int]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[[2]int]struct{}{}
	for _, z := range s.zones {
		if z.CoordsQ != nil && z.CoordsR != nil {
			out[[2]int{*z.CoordsQ, *z.CoordsR}] = struct{}{}
		}
	}
	return out
}

func (s *Store) IsOptimistic(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.optimistic[id]
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.zones)
}

// Generation counts ReplaceAll calls.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}
