// Copyright 2025 James Ross
// Package roles defines the privilege classes carried by a resolved token.
package roles

import "strings"

// Role is the privilege class governing a token's quotas. The source system
// models roles as free strings; we promote the three known values to a tag
// type with a catch-all so quota lookup is total (Design Notes, "Role-indexed
// counters").
type Role int

const (
	// Guest is the catch-all default for any role string the token-info
	// service returns that isn't one of the two named roles below.
	Guest Role = iota
	Developer
	Admin
)

// Parse maps a role string from the token-info service to a Role, defaulting
// unknown values to Guest rather than rejecting them outright: an
// unrecognized role is still a role, just the most restricted one.
func Parse(s string) Role {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ADMIN":
		return Admin
	case "DEVELOPER":
		return Developer
	case "GUEST":
		return Guest
	default:
		return Guest
	}
}

func (r Role) String() string {
	switch r {
	case Admin:
		return "ADMIN"
	case Developer:
		return "DEVELOPER"
	case Guest:
		return "GUEST"
	default:
		return "GUEST"
	}
}

// All enumerates every recognized role, in the order quota config and
// admission counters are reported.
func All() []Role {
	return []Role{Admin, Developer, Guest}
}
