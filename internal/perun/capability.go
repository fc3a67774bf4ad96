package perun

import (
	"fmt"
	"strings"
)

// Capability strings follow a fixed five-segment grammar:
//
//	res:communities:<slug>              — the community itself
//	res:communities:<slug>:role:<role>  — a role within the community
//
// Only the five-segment role form maps to a membership grant.

const (
	capabilityPrefix = "res"
	capabilityKind   = "communities"
	capabilityRole   = "role"
)

// CommunityCapability builds the capability for a community resource.
func CommunityCapability(slug string) string {
	return fmt.Sprintf("%s:%s:%s", capabilityPrefix, capabilityKind, slug)
}

// RoleCapability builds the capability for a community role resource.
func RoleCapability(slug, role string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", capabilityPrefix, capabilityKind, slug, capabilityRole, role)
}

// CapabilityKind classifies the outcome of parsing a capability string.
type CapabilityKind int

const (
	// CapabilityRoleGrant is a well-formed role capability.
	CapabilityRoleGrant CapabilityKind = iota
	// CapabilitySkip is a capability unrelated to community roles,
	// e.g. the three-segment community form or a foreign prefix.
	CapabilitySkip
	// CapabilityMalformed looks like a role capability but violates
	// the grammar.
	CapabilityMalformed
)

// SlugRole is the decoded payload of a role capability.
type SlugRole struct {
	Slug string
	Role string
}

// ParseCapability decodes a capability string into a tagged result.
// Callers switch on the kind instead of poking at segment indices.
func ParseCapability(capability string) (SlugRole, CapabilityKind) {
	parts := strings.Split(capability, ":")
	if len(parts) != 5 {
		return SlugRole{}, CapabilitySkip
	}
	if parts[0] != capabilityPrefix || parts[1] != capabilityKind || parts[3] != capabilityRole {
		return SlugRole{}, CapabilitySkip
	}
	if parts[2] == "" || parts[4] == "" {
		return SlugRole{}, CapabilityMalformed
	}
	return SlugRole{Slug: parts[2], Role: parts[4]}, CapabilityRoleGrant
}
