package perun

import (
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/oarepo/oarepo-oidc-einfra/internal/communities"
)

// DumpConfig names the directory attributes consumed from a dump.
type DumpConfig struct {
	CapabilitiesAttr  string
	UserIDAttr        string
	DisplayNameAttr   string
	OrganizationAttr  string
	PreferredMailAttr string
}

// DumpUser is one external principal from the dump together with the
// role grants resolved through its allowed resources.
type DumpUser struct {
	EinfraID     string
	Email        string
	FullName     string
	Organization string
	Roles        communities.RoleSet
}

type dumpResource struct {
	Attributes map[string]json.RawMessage `json:"attributes"`
}

type dumpUser struct {
	Attributes       map[string]json.RawMessage `json:"attributes"`
	AllowedResources []string                   `json:"allowed_resources"`
}

type dumpFile struct {
	Resources map[string]dumpResource `json:"resources"`
	Users     map[string]dumpUser     `json:"users"`
}

// Dump gives access to one parsed directory export. It is consumed
// once per reconciliation pass and never retained.
type Dump struct {
	file          dumpFile
	cfg           DumpConfig
	resourceRoles map[string][]communities.CommunityRole
	logger        *slog.Logger
}

// ParseDump decodes a dump and resolves every resource capability into
// community roles. Capabilities naming a slug unknown locally or a
// role outside the configured set are dropped with a logged error so
// that a newer directory schema does not break the pass.
func ParseDump(data []byte, cfg DumpConfig, slugToID map[string]uuid.UUID, priorities communities.RolePriorities, logger *slog.Logger) (*Dump, error) {
	var file dumpFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse dump: %w", err)
	}

	d := &Dump{
		file:          file,
		cfg:           cfg,
		resourceRoles: make(map[string][]communities.CommunityRole),
		logger:        logger,
	}

	for resourceID, resource := range file.Resources {
		var caps []string
		if raw, ok := resource.Attributes[cfg.CapabilitiesAttr]; ok {
			if err := json.Unmarshal(raw, &caps); err != nil {
				logger.Error("capability attribute is not a string list",
					slog.String("resource", resourceID), slog.Any("error", err))
				continue
			}
		}
		for _, capability := range caps {
			sr, kind := ParseCapability(capability)
			switch kind {
			case CapabilitySkip:
				continue
			case CapabilityMalformed:
				logger.Error("malformed capability",
					slog.String("resource", resourceID), slog.String("capability", capability))
				continue
			}
			communityID, ok := slugToID[sr.Slug]
			if !ok {
				logger.Error("community from directory not found in the repository",
					slog.String("slug", sr.Slug))
				continue
			}
			if !priorities.Known(sr.Role) {
				logger.Error("role from directory not found in the repository",
					slog.String("role", sr.Role))
				continue
			}
			d.resourceRoles[resourceID] = append(d.resourceRoles[resourceID],
				communities.CommunityRole{CommunityID: communityID, Role: sr.Role})
		}
	}

	return d, nil
}

// RoleAssignments returns every community role the directory knows
// about, across all resources in the dump.
func (d *Dump) RoleAssignments() communities.RoleSet {
	out := make(communities.RoleSet)
	for _, roles := range d.resourceRoles {
		for _, r := range roles {
			out.Add(r)
		}
	}
	return out
}

// Users yields each external principal with profile attributes and the
// role set derived from its allowed resources. The sequence is lazy
// and restartable; nothing beyond the already-decoded dump is
// materialised.
func (d *Dump) Users() iter.Seq[DumpUser] {
	return func(yield func(DumpUser) bool) {
		for _, u := range d.file.Users {
			roles := make(communities.RoleSet)
			for _, resourceID := range u.AllowedResources {
				for _, r := range d.resourceRoles[resourceID] {
					roles.Add(r)
				}
			}
			du := DumpUser{
				EinfraID:     attrString(u.Attributes, d.cfg.UserIDAttr),
				Email:        strings.ToLower(attrString(u.Attributes, d.cfg.PreferredMailAttr)),
				FullName:     attrString(u.Attributes, d.cfg.DisplayNameAttr),
				Organization: attrString(u.Attributes, d.cfg.OrganizationAttr),
				Roles:        roles,
			}
			if !yield(du) {
				return
			}
		}
	}
}

func attrString(attrs map[string]json.RawMessage, key string) string {
	raw, ok := attrs[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
