package staging_test

import (
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/stagehand/internal/observe"
	"github.com/MrWong99/stagehand/internal/world"
)

const campaignYAML = `
world:
  id: saltmarsh
  name: "Ghosts of Saltmarsh"
regions:
  - id: rusty-hook
    name: "The Rusty Hook"
    location: "Saltmarsh"
  - id: docks
    name: "The Docks"
npcs:
  - id: kraddock
    name: "Kraddock"
    home: rusty-hook
    works_at:
      - region: rusty-hook
        shift: night
  - id: mara
    name: "Mara"
    works_at:
      - region: rusty-hook
        shift: day
  - id: wrenn
    name: "Wrenn"
    frequents:
      - region: rusty-hook
        frequency: often
        time_of_day: evening
  - id: old-tom
    name: "Old Tom"
    frequents:
      - region: rusty-hook
        frequency: rarely
  - id: skerrin
    name: "Skerrin"
    avoids:
      - region: rusty-hook
        reason: "owes money"
  - id: eliander
    name: "Eliander Fireborn"
    home: docks
`

const worldID = "saltmarsh"

var (
	realStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// evening and morning are game times on the first campaign day.
	evening = time.Date(1, time.January, 1, 19, 0, 0, 0, time.UTC)
	morning = time.Date(1, time.January, 1, 8, 0, 0, 0, time.UTC)
)

func loadWorld(t *testing.T) *world.MemStore {
	t.Helper()
	cf, err := world.LoadCampaignFromReader(strings.NewReader(campaignYAML))
	if err != nil {
		t.Fatalf("LoadCampaignFromReader: %v", err)
	}
	s := world.NewMemStore()
	if err := s.Load(cf); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}
