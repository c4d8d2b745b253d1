package world

import (
	"errors"
	"fmt"

	"github.com/MrWong99/stagehand/internal/clock"
)

// Validate checks a [CampaignFile] for structural problems.
//
// Rules:
//   - The world must have an ID.
//   - Region and NPC IDs must be non-empty and unique.
//   - NPCs must have a name.
//   - Every relation must point at a declared region.
//   - Shifts, frequencies and times of day must be recognised values.
//   - Event IDs must be non-empty and unique, events must have a name, and
//     an event's region must be declared.
func Validate(cf *CampaignFile) error {
	if cf == nil {
		return errors.New("campaign must not be nil")
	}
	var errs []error

	if cf.World.ID == "" {
		errs = append(errs, errors.New("world.id must not be empty"))
	}
	if h := cf.World.StartHour; h != nil && (*h < 0 || *h > 23) {
		errs = append(errs, fmt.Errorf("world.start_hour %d out of range 0-23", *h))
	}

	regions := make(map[string]bool, len(cf.Regions))
	for i, r := range cf.Regions {
		switch {
		case r.ID == "":
			errs = append(errs, fmt.Errorf("regions[%d]: id must not be empty", i))
		case regions[r.ID]:
			errs = append(errs, fmt.Errorf("regions[%d]: duplicate id %q", i, r.ID))
		}
		regions[r.ID] = true
	}

	ref := func(path, id string) {
		if !regions[id] {
			errs = append(errs, fmt.Errorf("%s: unknown region %q", path, id))
		}
	}

	npcs := make(map[string]bool, len(cf.NPCs))
	for i, n := range cf.NPCs {
		p := fmt.Sprintf("npcs[%d]", i)
		switch {
		case n.ID == "":
			errs = append(errs, fmt.Errorf("%s: id must not be empty", p))
		case npcs[n.ID]:
			errs = append(errs, fmt.Errorf("%s: duplicate id %q", p, n.ID))
		}
		npcs[n.ID] = true
		if n.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name must not be empty", p))
		}
		if n.Home != "" {
			ref(p+".home", n.Home)
		}
		for j, w := range n.WorksAt {
			wp := fmt.Sprintf("%s.works_at[%d]", p, j)
			ref(wp, w.Region)
			if w.Shift != "" && !w.Shift.IsValid() {
				errs = append(errs, fmt.Errorf("%s: shift %q is not day, night or always", wp, w.Shift))
			}
		}
		for j, f := range n.Frequents {
			fp := fmt.Sprintf("%s.frequents[%d]", p, j)
			ref(fp, f.Region)
			if f.Frequency != "" && !f.Frequency.IsValid() {
				errs = append(errs, fmt.Errorf("%s: frequency %q is not often, sometimes or rarely", fp, f.Frequency))
			}
			if f.TimeOfDay != "" {
				if _, ok := clock.ParseTimeOfDay(f.TimeOfDay); !ok {
					errs = append(errs, fmt.Errorf("%s: unknown time_of_day %q", fp, f.TimeOfDay))
				}
			}
		}
		for j, a := range n.Avoids {
			ref(fmt.Sprintf("%s.avoids[%d]", p, j), a.Region)
		}
	}

	events := make(map[string]bool, len(cf.Events))
	for i, e := range cf.Events {
		p := fmt.Sprintf("events[%d]", i)
		switch {
		case e.ID == "":
			errs = append(errs, fmt.Errorf("%s: id must not be empty", p))
		case events[e.ID]:
			errs = append(errs, fmt.Errorf("%s: duplicate id %q", p, e.ID))
		}
		events[e.ID] = true
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name must not be empty", p))
		}
		if e.Region != "" {
			ref(p+".region", e.Region)
		}
	}

	return errors.Join(errs...)
}
