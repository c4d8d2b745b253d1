package notify

// Role is what a connection is allowed to see in a world.
type Role int

const (
	RoleDM Role = iota
	RolePlayer
	RoleSpectator
)

// String returns the lower-case role name.
func (r Role) String() string {
	switch r {
	case RoleDM:
		return "dm"
	case RolePlayer:
		return "player"
	case RoleSpectator:
		return "spectator"
	default:
		return "unknown"
	}
}

// ParseRole parses a lower-case role name.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "dm":
		return RoleDM, true
	case "player":
		return RolePlayer, true
	case "spectator":
		return RoleSpectator, true
	}
	return 0, false
}

// Recipients selects who receives an event. It is a closed set:
// [AllDMsInWorld], [SpecificUser] and [AllPlayersInWorld].
type Recipients interface {
	// World returns the world the recipients belong to.
	World() string

	recipients()
}

// AllDMsInWorld addresses every DM connection (all screens) of a world.
type AllDMsInWorld struct{ WorldID string }

// SpecificUser addresses every connection of one user in a world.
type SpecificUser struct {
	WorldID string
	UserID  string
}

// AllPlayersInWorld addresses every player connection of a world.
type AllPlayersInWorld struct{ WorldID string }

func (r AllDMsInWorld) World() string     { return r.WorldID }
func (r SpecificUser) World() string      { return r.WorldID }
func (r AllPlayersInWorld) World() string { return r.WorldID }

func (AllDMsInWorld) recipients()     {}
func (SpecificUser) recipients()      {}
func (AllPlayersInWorld) recipients() {}
