// Package world is the read model the staging pipeline consults: regions,
// NPCs, and how each NPC relates to each region (lives there, works there on
// a shift, frequents it, avoids it).
//
// The DM defines a world in a YAML campaign file ([LoadCampaignFile]); the
// in-memory [MemStore] serves it through the [ReadModel] interface.
//
// All store operations are safe for concurrent use.
package world

import (
	"context"
	"errors"

	"github.com/MrWong99/stagehand/internal/clock"
)

// ErrNotFound is returned when a world, region, NPC or event does not exist.
var ErrNotFound = errors.New("world: not found")

// ReadModel is the narrow view of the world the staging pipeline needs.
type ReadModel interface {
	// Region returns the region regionID of worldID.
	Region(ctx context.Context, worldID, regionID string) (Region, error)

	// NPCsNear returns every NPC with a relationship to the region that can
	// apply at timeOfDay, paired with that relationship. An NPC with several
	// relationships to the region appears once per relationship.
	NPCsNear(ctx context.Context, worldID, regionID string, timeOfDay clock.TimeOfDay) ([]Candidate, error)

	// NPCs returns every NPC of worldID.
	NPCs(ctx context.Context, worldID string) ([]NPC, error)
}

// Region is a place NPCs can be staged in.
type Region struct {
	ID          string `yaml:"id" json:"id"`
	WorldID     string `yaml:"-" json:"world_id"`
	Name        string `yaml:"name" json:"name"`
	Location    string `yaml:"location,omitempty" json:"location,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// NPC is a non-player character.
type NPC struct {
	ID          string `json:"id"`
	WorldID     string `json:"world_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Relations []Relation `json:"relations,omitempty"`
}

// RelationKind is how an NPC relates to a region.
type RelationKind string

const (
	RelationHome      RelationKind = "home"
	RelationWorksAt   RelationKind = "works_at"
	RelationFrequents RelationKind = "frequents"
	RelationAvoids    RelationKind = "avoids"
)

// Shift is when an NPC works at a region.
type Shift string

const (
	ShiftAlways Shift = "always"
	ShiftDay    Shift = "day"
	ShiftNight  Shift = "night"
)

// IsValid reports whether s is a recognised shift.
func (s Shift) IsValid() bool {
	switch s {
	case ShiftAlways, ShiftDay, ShiftNight:
		return true
	}
	return false
}

// Frequency is how often an NPC visits a region it frequents.
type Frequency string

const (
	FrequencyOften     Frequency = "often"
	FrequencySometimes Frequency = "sometimes"
	FrequencyRarely    Frequency = "rarely"
)

// IsValid reports whether f is a recognised frequency.
func (f Frequency) IsValid() bool {
	switch f {
	case FrequencyOften, FrequencySometimes, FrequencyRarely:
		return true
	}
	return false
}

// Relation ties an NPC to a region.
type Relation struct {
	Kind     RelationKind `json:"kind"`
	RegionID string       `json:"region_id"`

	// Shift applies to [RelationWorksAt].
	Shift Shift `json:"shift,omitempty"`

	// Frequency and TimeOfDay apply to [RelationFrequents]. A nil TimeOfDay
	// means any time.
	Frequency Frequency        `json:"frequency,omitempty"`
	TimeOfDay *clock.TimeOfDay `json:"time_of_day,omitempty"`

	// Reason applies to [RelationAvoids].
	Reason string `json:"reason,omitempty"`
}

// Candidate is an NPC together with the relation that makes it a staging
// candidate for a region.
type Candidate struct {
	NPC      NPC
	Relation Relation
}

// Event is a DM-authored narrative event the model may suggest triggering
// during play. The DM approves every trigger.
type Event struct {
	ID      string `yaml:"id" json:"id"`
	WorldID string `yaml:"-" json:"world_id"`
	Name    string `yaml:"name" json:"name"`

	Description    string `yaml:"description,omitempty" json:"description,omitempty"`
	SceneDirection string `yaml:"scene_direction,omitempty" json:"scene_direction,omitempty"`

	// Region, when set, is where the event can happen. Empty means anywhere.
	Region string `yaml:"region,omitempty" json:"region,omitempty"`

	// Triggers are plain-language cues that should make the model suggest
	// the event.
	Triggers []string `yaml:"triggers,omitempty" json:"triggers,omitempty"`

	// Outcomes the DM can pick from. The first is the default.
	Outcomes []string `yaml:"outcomes,omitempty" json:"outcomes,omitempty"`
}

// DefaultOutcome returns the first outcome, or "".
func (e Event) DefaultOutcome() string {
	if len(e.Outcomes) == 0 {
		return ""
	}
	return e.Outcomes[0]
}
