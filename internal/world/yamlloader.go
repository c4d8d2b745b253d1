package world

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/stagehand/internal/clock"
)

// CampaignFile is the top-level structure of a campaign YAML file. One file
// describes one world.
//
// Example:
//
//	world:
//	  id: saltmarsh
//	  name: "Ghosts of Saltmarsh"
//	regions:
//	  - id: rusty-hook
//	    name: "The Rusty Hook"
//	    location: "Saltmarsh"
//	npcs:
//	  - id: kraddock
//	    name: "Kraddock"
//	    home: rusty-hook
//	    works_at:
//	      - region: rusty-hook
//	        shift: night
//	    frequents:
//	      - region: docks
//	        frequency: often
//	        time_of_day: morning
//	events:
//	  - id: haunted-house
//	    name: "Lights in the Old Manor"
//	    region: docks
//	    triggers: ["the player asks about the manor"]
//	    outcomes: ["the party investigates", "the town guard steps in"]
type CampaignFile struct {
	World   Meta     `yaml:"world"`
	Regions []Region `yaml:"regions"`
	NPCs    []NPCDef `yaml:"npcs"`
	Events  []Event  `yaml:"events"`
}

// Meta holds top-level metadata for a world.
type Meta struct {
	// ID is the world identifier used in every request.
	ID string `yaml:"id"`

	// Name is the world's display name.
	Name string `yaml:"name"`

	// Description is a free-text summary of the campaign.
	Description string `yaml:"description"`

	// System is the game system identifier (e.g., "dnd5e", "pf2e", "custom").
	System string `yaml:"system"`

	// StartHour is the in-world hour the campaign clock starts at.
	// Default: 8.
	StartHour *int `yaml:"start_hour,omitempty"`
}

// NPCDef is the YAML form of an [NPC].
type NPCDef struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Home        string         `yaml:"home,omitempty"`
	WorksAt     []WorkDef      `yaml:"works_at,omitempty"`
	Frequents   []FrequentsDef `yaml:"frequents,omitempty"`
	Avoids      []AvoidsDef    `yaml:"avoids,omitempty"`
}

// WorkDef declares a region an NPC works at.
type WorkDef struct {
	Region string `yaml:"region"`
	// Shift defaults to "always".
	Shift Shift `yaml:"shift,omitempty"`
}

// FrequentsDef declares a region an NPC visits.
type FrequentsDef struct {
	Region string `yaml:"region"`
	// Frequency defaults to "sometimes".
	Frequency Frequency `yaml:"frequency,omitempty"`
	// TimeOfDay optionally pins the visits to one period.
	TimeOfDay string `yaml:"time_of_day,omitempty"`
}

// AvoidsDef declares a region an NPC stays away from.
type AvoidsDef struct {
	Region string `yaml:"region"`
	Reason string `yaml:"reason,omitempty"`
}

func (d NPCDef) toNPC(worldID string) NPC {
	n := NPC{ID: d.ID, WorldID: worldID, Name: d.Name, Description: d.Description}
	if d.Home != "" {
		n.Relations = append(n.Relations, Relation{Kind: RelationHome, RegionID: d.Home})
	}
	for _, w := range d.WorksAt {
		shift := w.Shift
		if shift == "" {
			shift = ShiftAlways
		}
		n.Relations = append(n.Relations, Relation{Kind: RelationWorksAt, RegionID: w.Region, Shift: shift})
	}
	for _, f := range d.Frequents {
		freq := f.Frequency
		if freq == "" {
			freq = FrequencySometimes
		}
		rel := Relation{Kind: RelationFrequents, RegionID: f.Region, Frequency: freq}
		if tod, ok := clock.ParseTimeOfDay(f.TimeOfDay); ok {
			rel.TimeOfDay = &tod
		}
		n.Relations = append(n.Relations, rel)
	}
	for _, a := range d.Avoids {
		n.Relations = append(n.Relations, Relation{Kind: RelationAvoids, RegionID: a.Region, Reason: a.Reason})
	}
	return n
}

// LoadCampaignFile reads and parses a campaign YAML file from disk.
func LoadCampaignFile(path string) (*CampaignFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("world: open campaign file %q: %w", path, err)
	}
	defer f.Close()

	cf, err := LoadCampaignFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("world: parse campaign file %q: %w", path, err)
	}
	return cf, nil
}

// LoadCampaignFromReader parses campaign YAML from an [io.Reader] and
// validates it.
func LoadCampaignFromReader(r io.Reader) (*CampaignFile, error) {
	var cf CampaignFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("world: decode campaign yaml: %w", err)
	}
	if err := Validate(&cf); err != nil {
		return nil, fmt.Errorf("world: invalid campaign: %w", err)
	}
	return &cf, nil
}
