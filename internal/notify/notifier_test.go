package notify_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/stagehand/internal/notify"
	"github.com/MrWong99/stagehand/internal/notify/mock"
	"github.com/MrWong99/stagehand/internal/observe"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

type table struct {
	reg      *notify.Registry
	n        *notify.Notifier
	dmScreen *mock.Conn
	dmPhone  *mock.Conn
	alice    *mock.Conn
	bob      *mock.Conn
	watcher  *mock.Conn
	other    *mock.Conn
}

func setup(t *testing.T) table {
	t.Helper()
	ctx := context.Background()
	m := testMetrics(t)
	reg := notify.NewRegistry(m)
	tb := table{
		reg:      reg,
		n:        notify.NewNotifier(reg, notify.WithMetrics(m)),
		dmScreen: &mock.Conn{ConnID: "dm-1"},
		dmPhone:  &mock.Conn{ConnID: "dm-2"},
		alice:    &mock.Conn{ConnID: "p-alice"},
		bob:      &mock.Conn{ConnID: "p-bob"},
		watcher:  &mock.Conn{ConnID: "s-1"},
		other:    &mock.Conn{ConnID: "dm-other"},
	}
	reg.Join(ctx, tb.dmScreen, "w1", "gm", notify.RoleDM)
	reg.Join(ctx, tb.dmPhone, "w1", "gm", notify.RoleDM)
	reg.Join(ctx, tb.alice, "w1", "alice", notify.RolePlayer)
	reg.Join(ctx, tb.bob, "w1", "bob", notify.RolePlayer)
	reg.Join(ctx, tb.watcher, "w1", "eve", notify.RoleSpectator)
	reg.Join(ctx, tb.other, "w2", "gm2", notify.RoleDM)
	return tb
}

func TestNotifier_Routing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ev := notify.StagingPending{WorldID: "w1", RegionID: "inn"}

	tests := []struct {
		name string
		to   notify.Recipients
		want map[string]int
	}{
		{
			name: "all dms reach every screen",
			to:   notify.AllDMsInWorld{WorldID: "w1"},
			want: map[string]int{"dm-1": 1, "dm-2": 1},
		},
		{
			name: "all players",
			to:   notify.AllPlayersInWorld{WorldID: "w1"},
			want: map[string]int{"p-alice": 1, "p-bob": 1},
		},
		{
			name: "specific user",
			to:   notify.SpecificUser{WorldID: "w1", UserID: "bob"},
			want: map[string]int{"p-bob": 1},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tb := setup(t)
			tb.n.Notify(ctx, tc.to, ev)
			for _, c := range []*mock.Conn{tb.dmScreen, tb.dmPhone, tb.alice, tb.bob, tb.watcher, tb.other} {
				if got := len(c.Events()); got != tc.want[c.ConnID] {
					t.Errorf("%s received %d events, want %d", c.ConnID, got, tc.want[c.ConnID])
				}
			}
		})
	}
}

func TestNotifier_DeliveryFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := setup(t)
	tb.dmScreen.DeliverErr = errors.New("socket closed")

	// Must not panic or block; the healthy screen still gets the event.
	tb.n.Notify(ctx, notify.AllDMsInWorld{WorldID: "w1"}, notify.DecisionApplied{WorldID: "w1"})
	if len(tb.dmPhone.Events()) != 1 {
		t.Error("healthy DM screen missed the event")
	}

	// Unknown world: nobody to deliver to, still fine.
	tb.n.Notify(ctx, notify.AllDMsInWorld{WorldID: "nowhere"}, notify.DecisionApplied{})
}

func TestRegistry_LeaveAndRejoin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tb := setup(t)
	tb.reg.Leave(ctx, "p-alice")
	tb.reg.Leave(ctx, "p-alice")
	tb.reg.Leave(ctx, "never-joined")

	if got := len(tb.reg.Lookup(notify.AllPlayersInWorld{WorldID: "w1"})); got != 1 {
		t.Errorf("players after leave = %d, want 1", got)
	}

	// Rejoining with the same connection moves it.
	tb.reg.Join(ctx, tb.bob, "w2", "bob", notify.RolePlayer)
	if got := len(tb.reg.Lookup(notify.AllPlayersInWorld{WorldID: "w1"})); got != 0 {
		t.Errorf("w1 players after move = %d, want 0", got)
	}
	if got := len(tb.reg.Members("w2")); got != 2 {
		t.Errorf("w2 members = %d, want 2", got)
	}
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	for _, r := range []notify.Role{notify.RoleDM, notify.RolePlayer, notify.RoleSpectator} {
		got, ok := notify.ParseRole(r.String())
		if !ok || got != r {
			t.Errorf("ParseRole(%q) = %v, %v", r.String(), got, ok)
		}
	}
	if _, ok := notify.ParseRole("admin"); ok {
		t.Error("ParseRole(admin) should fail")
	}
}
