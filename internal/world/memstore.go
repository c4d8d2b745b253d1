package world

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/stagehand/internal/clock"
)

// Compile-time assertion that MemStore satisfies the ReadModel interface.
var _ ReadModel = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory [ReadModel]. Each world is guarded by
// its own lock so traffic in one world never waits on another.
type MemStore struct {
	mu     sync.RWMutex
	worlds map[string]*worldData
}

type worldData struct {
	mu      sync.RWMutex
	meta    Meta
	regions map[string]Region
	npcs    map[string]NPC
	events  map[string]Event

	// byRegion indexes NPC ids by the regions they relate to.
	byRegion map[string][]string
}

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{worlds: make(map[string]*worldData)}
}

func (s *MemStore) world(id string) (*worldData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.worlds[id]
	if !ok {
		return nil, fmt.Errorf("world %q: %w", id, ErrNotFound)
	}
	return w, nil
}

// Load replaces the contents of the campaign's world with cf. The campaign
// must already be valid (see [Validate]).
func (s *MemStore) Load(cf *CampaignFile) error {
	if err := Validate(cf); err != nil {
		return err
	}
	w := &worldData{
		meta:     cf.World,
		regions:  make(map[string]Region, len(cf.Regions)),
		npcs:     make(map[string]NPC, len(cf.NPCs)),
		events:   make(map[string]Event, len(cf.Events)),
		byRegion: make(map[string][]string),
	}
	for _, r := range cf.Regions {
		r.WorldID = cf.World.ID
		w.regions[r.ID] = r
	}
	for _, e := range cf.Events {
		e.WorldID = cf.World.ID
		w.events[e.ID] = e
	}
	for _, def := range cf.NPCs {
		npc := def.toNPC(cf.World.ID)
		w.npcs[npc.ID] = npc
		seen := make(map[string]bool)
		for _, rel := range npc.Relations {
			if !seen[rel.RegionID] {
				seen[rel.RegionID] = true
				w.byRegion[rel.RegionID] = append(w.byRegion[rel.RegionID], npc.ID)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.worlds[cf.World.ID] = w
	return nil
}

// Worlds returns the ids of every loaded world, sorted.
func (s *MemStore) Worlds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.worlds))
	for id := range s.worlds {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Meta returns the metadata of worldID.
func (s *MemStore) Meta(worldID string) (Meta, error) {
	w, err := s.world(worldID)
	if err != nil {
		return Meta{}, err
	}
	return w.meta, nil
}

// Region implements [ReadModel].
func (s *MemStore) Region(_ context.Context, worldID, regionID string) (Region, error) {
	w, err := s.world(worldID)
	if err != nil {
		return Region{}, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.regions[regionID]
	if !ok {
		return Region{}, fmt.Errorf("region %q in world %q: %w", regionID, worldID, ErrNotFound)
	}
	return r, nil
}

// Regions returns every region of worldID sorted by id.
func (s *MemStore) Regions(_ context.Context, worldID string) ([]Region, error) {
	w, err := s.world(worldID)
	if err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Region, 0, len(w.regions))
	for _, r := range w.regions {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Region) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// NPCsNear implements [ReadModel]. Frequents relations pinned to another
// time of day are left out. Results are ordered by NPC name.
func (s *MemStore) NPCsNear(_ context.Context, worldID, regionID string, tod clock.TimeOfDay) ([]Candidate, error) {
	w, err := s.world(worldID)
	if err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if _, ok := w.regions[regionID]; !ok {
		return nil, fmt.Errorf("region %q in world %q: %w", regionID, worldID, ErrNotFound)
	}

	var out []Candidate
	for _, id := range w.byRegion[regionID] {
		npc := w.npcs[id]
		for _, rel := range npc.Relations {
			if rel.RegionID != regionID {
				continue
			}
			if rel.Kind == RelationFrequents && rel.TimeOfDay != nil && *rel.TimeOfDay != tod {
				continue
			}
			out = append(out, Candidate{NPC: npc, Relation: rel})
		}
	}
	slices.SortStableFunc(out, func(a, b Candidate) int { return strings.Compare(a.NPC.Name, b.NPC.Name) })
	return out, nil
}

// NPCs implements [ReadModel].
func (s *MemStore) NPCs(_ context.Context, worldID string) ([]NPC, error) {
	w, err := s.world(worldID)
	if err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]NPC, 0, len(w.npcs))
	for _, n := range w.npcs {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b NPC) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// NPC returns one NPC by id.
func (s *MemStore) NPC(_ context.Context, worldID, npcID string) (NPC, error) {
	w, err := s.world(worldID)
	if err != nil {
		return NPC{}, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	n, ok := w.npcs[npcID]
	if !ok {
		return NPC{}, fmt.Errorf("npc %q in world %q: %w", npcID, worldID, ErrNotFound)
	}
	return n, nil
}

// Events returns every narrative event of worldID sorted by id.
func (s *MemStore) Events(_ context.Context, worldID string) ([]Event, error) {
	w, err := s.world(worldID)
	if err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Event, 0, len(w.events))
	for _, e := range w.events {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Event) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Event returns one narrative event by id.
func (s *MemStore) Event(_ context.Context, worldID, eventID string) (Event, error) {
	w, err := s.world(worldID)
	if err != nil {
		return Event{}, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.events[eventID]
	if !ok {
		return Event{}, fmt.Errorf("event %q in world %q: %w", eventID, worldID, ErrNotFound)
	}
	return e, nil
}
