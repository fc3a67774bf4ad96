package perun

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/oarepo/oarepo-oidc-einfra/internal/communities"
)

func testDumpConfig() DumpConfig {
	return DumpConfig{
		CapabilitiesAttr:  "urn:perun:resource:attribute-def:def:capabilities",
		UserIDAttr:        "urn:perun:user:attribute-def:virt:login-namespace:einfraid-persistent",
		DisplayNameAttr:   "urn:perun:user:attribute-def:core:displayName",
		OrganizationAttr:  "urn:perun:ues:attribute-def:def:organization",
		PreferredMailAttr: "urn:perun:user:attribute-def:def:preferredMail",
	}
}

func testPriorities() communities.RolePriorities {
	return communities.NewRolePriorities([]string{"owner", "curator", "member"})
}

func dumpJSON(cfg DumpConfig, capability, einfraID string) []byte {
	return []byte(fmt.Sprintf(`{
		"resources": {
			"res-1": {"attributes": {%q: [%q]}}
		},
		"users": {
			"u-1": {
				"attributes": {
					%q: %q,
					%q: "Jane Roe",
					%q: "CESNET",
					%q: "Jane.Roe@Example.ORG"
				},
				"allowed_resources": ["res-1"]
			}
		}
	}`, cfg.CapabilitiesAttr, capability,
		cfg.UserIDAttr, einfraID,
		cfg.DisplayNameAttr, cfg.OrganizationAttr, cfg.PreferredMailAttr))
}

func TestParseDumpResolvesRoleCapabilities(t *testing.T) {
	cfg := testDumpConfig()
	communityID := uuid.New()
	slugToID := map[string]uuid.UUID{"biodiversity": communityID}

	dump, err := ParseDump(dumpJSON(cfg, "res:communities:biodiversity:role:curator", "abc@einfra.cesnet.cz"),
		cfg, slugToID, testPriorities(), slog.Default())
	require.NoError(t, err)

	assignments := dump.RoleAssignments()
	require.Len(t, assignments, 1)
	require.True(t, assignments.Contains(communities.CommunityRole{CommunityID: communityID, Role: "curator"}))
}

func TestParseDumpDropsUnknownSlug(t *testing.T) {
	cfg := testDumpConfig()

	dump, err := ParseDump(dumpJSON(cfg, "res:communities:unknown:role:curator", "abc"),
		cfg, map[string]uuid.UUID{}, testPriorities(), slog.Default())
	require.NoError(t, err)
	require.Empty(t, dump.RoleAssignments())
}

func TestParseDumpDropsUnknownRole(t *testing.T) {
	cfg := testDumpConfig()
	slugToID := map[string]uuid.UUID{"biodiversity": uuid.New()}

	dump, err := ParseDump(dumpJSON(cfg, "res:communities:biodiversity:role:sysadmin", "abc"),
		cfg, slugToID, testPriorities(), slog.Default())
	require.NoError(t, err)
	require.Empty(t, dump.RoleAssignments())
}

func TestParseDumpIgnoresForeignCapabilities(t *testing.T) {
	cfg := testDumpConfig()
	slugToID := map[string]uuid.UUID{"biodiversity": uuid.New()}

	dump, err := ParseDump(dumpJSON(cfg, "res:repository:admin", "abc"),
		cfg, slugToID, testPriorities(), slog.Default())
	require.NoError(t, err)
	require.Empty(t, dump.RoleAssignments())
}

func TestParseDumpRejectsMalformedJSON(t *testing.T) {
	_, err := ParseDump([]byte(`{`), testDumpConfig(), nil, testPriorities(), slog.Default())
	require.Error(t, err)
}

func TestDumpUsersYieldsProfileAndRoles(t *testing.T) {
	cfg := testDumpConfig()
	communityID := uuid.New()
	slugToID := map[string]uuid.UUID{"biodiversity": communityID}

	dump, err := ParseDump(dumpJSON(cfg, "res:communities:biodiversity:role:member", "abc@einfra.cesnet.cz"),
		cfg, slugToID, testPriorities(), slog.Default())
	require.NoError(t, err)

	var users []DumpUser
	for u := range dump.Users() {
		users = append(users, u)
	}
	require.Len(t, users, 1)

	u := users[0]
	require.Equal(t, "abc@einfra.cesnet.cz", u.EinfraID)
	require.Equal(t, "Jane Roe", u.FullName)
	require.Equal(t, "CESNET", u.Organization)
	require.Equal(t, "jane.roe@example.org", u.Email, "preferred mail is lowercased")
	require.True(t, u.Roles.Contains(communities.CommunityRole{CommunityID: communityID, Role: "member"}))
}

func TestDumpUsersSequenceIsRestartable(t *testing.T) {
	cfg := testDumpConfig()
	slugToID := map[string]uuid.UUID{"biodiversity": uuid.New()}

	dump, err := ParseDump(dumpJSON(cfg, "res:communities:biodiversity:role:member", "abc"),
		cfg, slugToID, testPriorities(), slog.Default())
	require.NoError(t, err)

	count := func() int {
		n := 0
		for range dump.Users() {
			n++
		}
		return n
	}
	require.Equal(t, 1, count())
	require.Equal(t, 1, count())
}

func TestDumpUsersToleratesMissingAttributes(t *testing.T) {
	cfg := testDumpConfig()
	data := []byte(`{"resources": {}, "users": {"u-1": {"attributes": {}, "allowed_resources": []}}}`)

	dump, err := ParseDump(data, cfg, nil, testPriorities(), slog.Default())
	require.NoError(t, err)

	for u := range dump.Users() {
		require.Empty(t, u.EinfraID)
		require.Empty(t, u.Email)
		require.Empty(t, u.Roles)
	}
}
