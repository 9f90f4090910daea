package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drguard/internal/backup"
	"drguard/internal/notify"
	"drguard/internal/replication"
	"drguard/internal/storage"
)

func TestHealth_AllComponentsIdleAreHealthy(t *testing.T) {
	f := newFixture(t, Config{})

	status := f.orch.CheckHealth(context.Background())

	assert.Equal(t, StateHealthy, status.Overall)
	for name, component := range status.Components {
		assert.Equal(t, StateHealthy, component.State, name)
	}
	assert.Empty(t, f.orch.ActiveAlerts())
}

func TestHealth_LowBackupRateIsCriticalWithOneHighAlert(t *testing.T) {
	f := newFixture(t, Config{})
	// 7 of 10 jobs succeeded: 70%, below the degraded floor of 80.
	f.backups.stats = backup.Stats{TotalJobs: 10, Completed: 7, Failed: 3}

	status := f.orch.CheckHealth(context.Background())

	assert.Equal(t, StateCritical, status.Components["backup"].State)
	assert.Equal(t, StateCritical, status.Overall)

	alerts := f.orch.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertHigh, alerts[0].Severity)
	assert.Equal(t, "backup", alerts[0].Component)
	assert.Contains(t, f.notifier.Events(), notify.EventAlertCreated)
}

func TestHealth_EquivalentAlertIsDeduplicated(t *testing.T) {
	f := newFixture(t, Config{})
	f.backups.stats = backup.Stats{TotalJobs: 10, Completed: 7, Failed: 3}

	f.orch.CheckHealth(context.Background())
	f.orch.CheckHealth(context.Background())
	f.orch.CheckHealth(context.Background())

	assert.Len(t, f.orch.ActiveAlerts(), 1, "repeated checks must not duplicate an unresolved alert")
}

func TestHealth_AlertAutoResolvesOnRecovery(t *testing.T) {
	f := newFixture(t, Config{})
	f.backups.stats = backup.Stats{TotalJobs: 10, Completed: 7, Failed: 3}
	f.orch.CheckHealth(context.Background())
	require.Len(t, f.orch.ActiveAlerts(), 1)

	f.backups.stats = backup.Stats{TotalJobs: 20, Completed: 20}
	status := f.orch.CheckHealth(context.Background())

	assert.Equal(t, StateHealthy, status.Components["backup"].State)
	assert.Empty(t, f.orch.ActiveAlerts())

	all := f.orch.ListAlerts()
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].ResolvedAt)
}

func TestHealth_DegradedBandYieldsMediumAlert(t *testing.T) {
	f := newFixture(t, Config{})
	// 85% sits between the 80 and 95 thresholds.
	f.backups.stats = backup.Stats{TotalJobs: 20, Completed: 17, Failed: 3}

	status := f.orch.CheckHealth(context.Background())

	assert.Equal(t, StateDegraded, status.Components["backup"].State)
	assert.Equal(t, StateDegraded, status.Overall)
	alerts := f.orch.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertMedium, alerts[0].Severity)
}

func TestHealth_OpenBreakerDegradesReplication(t *testing.T) {
	f := newFixture(t, Config{})
	f.replicator.stats = replication.Stats{TotalJobs: 5, Completed: 5, OpenBreakers: 1}

	status := f.orch.CheckHealth(context.Background())

	assert.Equal(t, StateDegraded, status.Components["replication"].State)
}

func TestHealth_OfflineProviderDominatesOverall(t *testing.T) {
	provider := storage.NewMemoryProvider()
	provider.FailHealth = context.DeadlineExceeded

	f := newFixtureWithProviders(t, Config{}, map[string]storage.Provider{"primary": provider})

	status := f.orch.CheckHealth(context.Background())

	assert.Equal(t, StateOffline, status.Components["storage:primary"].State)
	assert.Equal(t, StateOffline, status.Overall)

	alerts := f.orch.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCritical, alerts[0].Severity)
}

func TestHealth_AcknowledgeAndResolve(t *testing.T) {
	f := newFixture(t, Config{})
	f.backups.stats = backup.Stats{TotalJobs: 10, Completed: 7, Failed: 3}
	f.orch.CheckHealth(context.Background())

	alerts := f.orch.ActiveAlerts()
	require.Len(t, alerts, 1)
	alertID := alerts[0].ID

	require.NoError(t, f.orch.AcknowledgeAlert(alertID))
	alerts = f.orch.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Acknowledged)

	require.NoError(t, f.orch.ResolveAlert(alertID))
	assert.Empty(t, f.orch.ActiveAlerts())

	assert.Error(t, f.orch.AcknowledgeAlert("alert_missing"))
}

func TestHealth_StatusRunsOnDemand(t *testing.T) {
	f := newFixture(t, Config{})

	status := f.orch.Status(context.Background())
	require.NotNil(t, status)
	assert.Equal(t, StateHealthy, status.Overall)
}
