package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("PERUN_SERVICE_USERNAME", "svc")
	t.Setenv("PERUN_SERVICE_PASSWORD", "secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, []string{"owner", "manager", "curator", "member"}, cfg.CommunityRoles)
	require.Greater(t, cfg.TaskTimeout, cfg.SyncMutexTTL)
}

func TestLoadConfigRequiresCredentials(t *testing.T) {
	t.Setenv("PERUN_SERVICE_USERNAME", "svc")
	t.Setenv("PERUN_SERVICE_PASSWORD", "")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRejectsBlankRole(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("COMMUNITY_ROLES", "owner,,member")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfigRejectsTimeoutInsideMutexTTL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYNC_MUTEX_TTL", "2h")
	t.Setenv("TASK_TIMEOUT", "1h")

	_, err := LoadConfig()
	require.ErrorContains(t, err, "task timeout")
}
