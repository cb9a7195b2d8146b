package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
)

// Maintenance serializes sqlite housekeeping with the stores that share the database: the
// registrar, chain cursors, block hashes and every deployment's entity store.
type Maintenance interface {
	// Start begins background maintenance if enabled.
	Start(ctx context.Context) error
	// Stop stops background maintenance and waits for a running pass to finish.
	Stop() error
	// AcquireOperationLock takes a shared lock for one store operation and returns its release.
	AcquireOperationLock() func()
	// Status reports the last maintenance pass.
	Status() MaintenanceStatus
	// RunMaintenance runs one pass now.
	RunMaintenance(ctx context.Context) error
}

// MaintenanceStatus describes the maintenance passes run so far.
type MaintenanceStatus struct {
	LastRun   time.Time
	Runs      uint64
	LastError error
	Steps     []StepResult
}

// StepResult is the outcome of one step of the last pass.
type StepResult struct {
	Name     string
	Skipped  bool
	Duration time.Duration
	Err      error
}

// NoOpMaintenance is used when maintenance is not configured.
type NoOpMaintenance struct{}

func (*NoOpMaintenance) Start(context.Context) error          { return nil }
func (*NoOpMaintenance) Stop() error                          { return nil }
func (*NoOpMaintenance) RunMaintenance(context.Context) error { return nil }
func (*NoOpMaintenance) AcquireOperationLock() func()         { return func() {} }
func (*NoOpMaintenance) Status() MaintenanceStatus            { return MaintenanceStatus{} }

const (
	stepCheckpoint = "wal_checkpoint"
	stepOptimize   = "optimize"
	stepVacuum     = "vacuum"
)

// step runs with the write lock held. It reports false when it had nothing to do.
type step struct {
	name string
	run  func(ctx context.Context, force bool) (bool, error)
}

// MaintenanceCoordinator runs maintenance passes with exclusive access to the database: store
// operations hold the read side of opLock, a pass holds the write side.
type MaintenanceCoordinator struct {
	db     *sql.DB
	config config.MaintenanceConfig
	dbPath string
	log    *logger.Logger
	steps  []step

	opLock sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	statusMu sync.Mutex
	status   MaintenanceStatus
}

// NewMaintenanceCoordinator returns a no-op when cfg is nil.
func NewMaintenanceCoordinator(
	dbPath string,
	db *sql.DB,
	cfg *config.MaintenanceConfig,
	log *logger.Logger,
) Maintenance {
	if cfg == nil {
		return &NoOpMaintenance{}
	}

	return newMaintenanceCoordinator(dbPath, db, *cfg, log)
}

func newMaintenanceCoordinator(
	dbPath string,
	db *sql.DB,
	cfg config.MaintenanceConfig,
	log *logger.Logger,
) *MaintenanceCoordinator {
	cfg.ApplyDefaults()

	m := &MaintenanceCoordinator{
		db:     db,
		config: cfg,
		dbPath: dbPath,
		log:    log.WithComponent(common.ComponentMaintenance),
	}
	m.steps = []step{
		{name: stepCheckpoint, run: m.walCheckpoint},
		{name: stepOptimize, run: m.optimize},
		{name: stepVacuum, run: m.vacuum},
	}

	return m
}

// Start begins background maintenance if enabled. With VacuumOnStartup the first pass runs
// before Start returns and always vacuums.
func (m *MaintenanceCoordinator) Start(ctx context.Context) error {
	if !m.config.Enabled {
		m.log.Info("background maintenance is disabled")
		return nil
	}

	var workerCtx context.Context
	workerCtx, m.cancel = context.WithCancel(ctx)

	if m.config.VacuumOnStartup {
		m.log.Info("running startup maintenance")
		if err := m.run(workerCtx, true); err != nil {
			m.log.Warnw("startup maintenance failed", "error", err)
		}
	}

	m.wg.Add(1)
	go m.worker(workerCtx)

	m.log.Infow("background maintenance started",
		"interval", m.config.CheckInterval.Duration,
		"checkpoint_mode", m.config.WALCheckpointMode,
		"vacuum_free_ratio", m.config.VacuumFreeRatio,
	)

	return nil
}

// Stop stops background maintenance and waits for a running pass to finish.
func (m *MaintenanceCoordinator) Stop() error {
	if m.cancel == nil {
		return nil
	}

	m.cancel()
	m.wg.Wait()
	m.log.Info("background maintenance stopped")

	return nil
}

func (m *MaintenanceCoordinator) worker(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CheckInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.run(ctx, false); err != nil {
				m.log.Warnw("periodic maintenance failed", "error", err)
			}
		}
	}
}

// RunMaintenance runs one pass now, vacuuming regardless of the free page ratio.
func (m *MaintenanceCoordinator) RunMaintenance(ctx context.Context) error {
	return m.run(ctx, true)
}

func (m *MaintenanceCoordinator) run(ctx context.Context, force bool) error {
	MaintenanceRunsInc()
	started := time.Now()

	m.opLock.Lock()
	defer m.opLock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	sizeBefore, err := DBTotalSize(m.dbPath)
	if err != nil {
		m.log.Warnw("failed to get database size", "error", err)
	}

	var (
		results  = make([]StepResult, 0, len(m.steps))
		firstErr error
	)

	for _, s := range m.steps {
		stepStarted := time.Now()
		ran, err := s.run(ctx, force)

		result := StepResult{Name: s.name, Skipped: !ran, Duration: time.Since(stepStarted), Err: err}
		results = append(results, result)

		if err != nil {
			MaintenanceStepErrorInc(s.name)
			m.log.Warnw("maintenance step failed", "step", s.name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s failed: %w", s.name, err)
			}
			continue
		}
		if ran {
			MaintenanceStepLog(s.name, result.Duration)
		}
	}

	sizeAfter, err := DBTotalSize(m.dbPath)
	if err != nil {
		m.log.Warnw("failed to get database size", "error", err)
	}
	DBSizeLog(sizeAfter)

	m.statusMu.Lock()
	m.status = MaintenanceStatus{
		LastRun:   time.Now().UTC(),
		Runs:      m.status.Runs + 1,
		LastError: firstErr,
		Steps:     results,
	}
	m.statusMu.Unlock()

	duration := time.Since(started)
	MaintenanceDurationLog(duration)
	MaintenanceLastRunLog()

	if firstErr != nil {
		MaintenanceErrorInc()
		return firstErr
	}
	MaintenanceSuccessInc()

	if sizeBefore > sizeAfter {
		reclaimed := uint64(sizeBefore - sizeAfter)
		MaintenanceSpaceReclaimedLog(reclaimed)
		m.log.Infow("maintenance completed", "duration", duration, "reclaimed_mb", common.BytesToMB(reclaimed))
	} else {
		m.log.Debugw("maintenance completed", "duration", duration)
	}

	return nil
}

func (m *MaintenanceCoordinator) walCheckpoint(ctx context.Context, _ bool) (bool, error) {
	var mode string
	if err := m.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return false, fmt.Errorf("failed to check journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return false, nil
	}

	var busy, logFrames, checkpointed int
	query := fmt.Sprintf("PRAGMA wal_checkpoint(%s)", m.config.WALCheckpointMode)
	if err := m.db.QueryRowContext(ctx, query).Scan(&busy, &logFrames, &checkpointed); err != nil {
		return false, fmt.Errorf("failed to execute WAL checkpoint: %w", err)
	}

	WALCheckpointInc(strings.ToLower(m.config.WALCheckpointMode))
	if busy > 0 {
		m.log.Warnw("WAL checkpoint left busy pages", "busy", busy, "log_frames", logFrames)
	} else {
		m.log.Debugw("WAL checkpoint complete", "log_frames", logFrames, "checkpointed", checkpointed)
	}

	return true, nil
}

// optimize refreshes query planner statistics, which drift as entity tables grow.
func (m *MaintenanceCoordinator) optimize(ctx context.Context, _ bool) (bool, error) {
	if _, err := m.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return false, fmt.Errorf("failed to optimize: %w", err)
	}
	return true, nil
}

// vacuum rebuilds the file when forced or when free pages exceed the configured ratio.
func (m *MaintenanceCoordinator) vacuum(ctx context.Context, force bool) (bool, error) {
	ratio, err := m.freeRatio(ctx)
	if err != nil {
		return false, err
	}
	FreePageRatioLog(ratio)

	if !force && ratio < m.config.VacuumFreeRatio {
		return false, nil
	}

	if err := Vacuum(m.db); err != nil {
		return false, err
	}

	m.log.Infow("VACUUM completed", "free_ratio_before", ratio)
	return true, nil
}

func (m *MaintenanceCoordinator) freeRatio(ctx context.Context) (float64, error) {
	var pages, free int64
	if err := m.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := m.db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&free); err != nil {
		return 0, fmt.Errorf("failed to read freelist count: %w", err)
	}
	if pages == 0 {
		return 0, nil
	}

	return float64(free) / float64(pages), nil
}

// AcquireOperationLock takes the shared side of the lock a maintenance pass takes exclusively.
func (m *MaintenanceCoordinator) AcquireOperationLock() func() {
	m.opLock.RLock()
	return m.opLock.RUnlock
}

// Status reports the last maintenance pass.
func (m *MaintenanceCoordinator) Status() MaintenanceStatus {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	status := m.status
	status.Steps = append([]StepResult(nil), m.status.Steps...)
	return status
}
