package clock

import "time"

// TimeOfDay is the coarse period of an in-world day used by NPC schedules.
type TimeOfDay int

const (
	Morning TimeOfDay = iota
	Afternoon
	Evening
	Night
)

// String returns the lower-case period name.
func (t TimeOfDay) String() string {
	switch t {
	case Morning:
		return "morning"
	case Afternoon:
		return "afternoon"
	case Evening:
		return "evening"
	case Night:
		return "night"
	default:
		return "unknown"
	}
}

// ParseTimeOfDay parses the lower-case period name. ok is false for unknown
// names.
func ParseTimeOfDay(s string) (t TimeOfDay, ok bool) {
	switch s {
	case "morning":
		return Morning, true
	case "afternoon":
		return Afternoon, true
	case "evening":
		return Evening, true
	case "night":
		return Night, true
	}
	return 0, false
}

// TimeOfDayAt maps the hour of t onto a period: 05–11 morning, 12–17
// afternoon, 18–21 evening, anything else night.
func TimeOfDayAt(t time.Time) TimeOfDay {
	switch h := t.Hour(); {
	case h >= 5 && h <= 11:
		return Morning
	case h >= 12 && h <= 17:
		return Afternoon
	case h >= 18 && h <= 21:
		return Evening
	default:
		return Night
	}
}

// IsDaytime reports whether t falls in the day shift (morning or afternoon).
func (t TimeOfDay) IsDaytime() bool {
	return t == Morning || t == Afternoon
}
