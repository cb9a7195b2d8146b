package db

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, journal string, cfg config.MaintenanceConfig) *MaintenanceCoordinator {
	t.Helper()

	sqlDB, path := openEntityDB(t, journal)
	fillVersions(t, sqlDB, 2000)

	return newMaintenanceCoordinator(path, sqlDB, cfg, logger.NewNopLogger())
}

func stepByName(t *testing.T, status MaintenanceStatus, name string) StepResult {
	t.Helper()

	for _, s := range status.Steps {
		if s.Name == name {
			return s
		}
	}
	require.Failf(t, "step not found", "step %s", name)
	return StepResult{}
}

func TestNewMaintenanceCoordinator_NilConfig(t *testing.T) {
	m := NewMaintenanceCoordinator("unused.db", nil, nil, logger.NewNopLogger())
	require.IsType(t, &NoOpMaintenance{}, m)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.RunMaintenance(context.Background()))
	m.AcquireOperationLock()()
	require.Zero(t, m.Status().Runs)
	require.NoError(t, m.Stop())
}

func TestMaintenanceCoordinator_RunMaintenance(t *testing.T) {
	m := newTestCoordinator(t, "WAL", config.MaintenanceConfig{WALCheckpointMode: "TRUNCATE"})

	require.NoError(t, m.RunMaintenance(context.Background()))

	status := m.Status()
	require.Equal(t, uint64(1), status.Runs)
	require.NoError(t, status.LastError)
	require.False(t, status.LastRun.IsZero())
	require.Len(t, status.Steps, 3)

	for _, name := range []string{stepCheckpoint, stepOptimize, stepVacuum} {
		step := stepByName(t, status, name)
		require.NoError(t, step.Err, name)
		require.False(t, step.Skipped, "forced pass runs %s", name)
	}
}

func TestMaintenanceCoordinator_SkipsCheckpointOutsideWAL(t *testing.T) {
	m := newTestCoordinator(t, "TRUNCATE", config.MaintenanceConfig{})

	require.NoError(t, m.RunMaintenance(context.Background()))
	require.True(t, stepByName(t, m.Status(), stepCheckpoint).Skipped)
}

func TestMaintenanceCoordinator_VacuumFollowsFreeRatio(t *testing.T) {
	m := newTestCoordinator(t, "WAL", config.MaintenanceConfig{VacuumFreeRatio: 0.5})

	// nothing was deleted, so a periodic pass leaves the file alone
	require.NoError(t, m.run(context.Background(), false))
	require.True(t, stepByName(t, m.Status(), stepVacuum).Skipped)

	// pruning almost every version frees most pages
	_, err := m.db.Exec(`DELETE FROM entity_versions WHERE block_from < 1990`)
	require.NoError(t, err)
	_, err = m.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	require.NoError(t, err)

	ratio, err := m.freeRatio(context.Background())
	require.NoError(t, err)
	require.Greater(t, ratio, 0.5)

	require.NoError(t, m.run(context.Background(), false))
	require.False(t, stepByName(t, m.Status(), stepVacuum).Skipped)

	ratio, err = m.freeRatio(context.Background())
	require.NoError(t, err)
	require.Less(t, ratio, 0.5)
	require.Equal(t, uint64(2), m.Status().Runs)
}

func TestMaintenanceCoordinator_WaitsForOperations(t *testing.T) {
	m := newTestCoordinator(t, "WAL", config.MaintenanceConfig{})

	unlock := m.AcquireOperationLock()

	var finished atomic.Bool
	done := make(chan error, 1)
	go func() {
		err := m.RunMaintenance(context.Background())
		finished.Store(true)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.False(t, finished.Load(), "maintenance must wait for the running operation")

	unlock()
	require.NoError(t, <-done)
}

func TestMaintenanceCoordinator_BlocksOperations(t *testing.T) {
	m := newTestCoordinator(t, "WAL", config.MaintenanceConfig{})

	m.opLock.Lock()

	acquired := make(chan struct{})
	go func() {
		unlock := m.AcquireOperationLock()
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("operation ran during maintenance")
	case <-time.After(50 * time.Millisecond):
	}

	m.opLock.Unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("operation did not resume after maintenance")
	}
}

func TestMaintenanceCoordinator_Background(t *testing.T) {
	m := newTestCoordinator(t, "WAL", config.MaintenanceConfig{
		Enabled:         true,
		CheckInterval:   common.NewDuration(20 * time.Millisecond),
		VacuumOnStartup: true,
	})

	require.NoError(t, m.Start(context.Background()))
	// the startup pass has run by the time Start returns
	require.GreaterOrEqual(t, m.Status().Runs, uint64(1))

	require.Eventually(t, func() bool {
		return m.Status().Runs >= 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop())

	runs := m.Status().Runs
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, runs, m.Status().Runs, "no passes after Stop")
}

func TestMaintenanceCoordinator_Disabled(t *testing.T) {
	m := newTestCoordinator(t, "WAL", config.MaintenanceConfig{
		Enabled:       false,
		CheckInterval: common.NewDuration(10 * time.Millisecond),
	})

	require.NoError(t, m.Start(context.Background()))
	time.Sleep(40 * time.Millisecond)
	require.Zero(t, m.Status().Runs)
	require.NoError(t, m.Stop())
}

func TestMaintenanceCoordinator_CancelledContext(t *testing.T) {
	m := newTestCoordinator(t, "WAL", config.MaintenanceConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, m.RunMaintenance(ctx), context.Canceled)
	require.Zero(t, m.Status().Runs)
}

func TestMaintenanceCoordinator_FailingStep(t *testing.T) {
	m := newTestCoordinator(t, "WAL", config.MaintenanceConfig{})
	m.steps[0].run = func(context.Context, bool) (bool, error) {
		return false, errors.New("disk I/O error")
	}

	err := m.RunMaintenance(context.Background())
	require.ErrorContains(t, err, stepCheckpoint)

	status := m.Status()
	require.Error(t, status.LastError)
	require.Error(t, stepByName(t, status, stepCheckpoint).Err)
	// later steps still run
	require.NoError(t, stepByName(t, status, stepOptimize).Err)
	require.False(t, stepByName(t, status, stepVacuum).Skipped)
}
