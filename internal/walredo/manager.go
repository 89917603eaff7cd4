// Package walredo owns, per tenant, at most one WAL-Redo child process and
// reconstructs page images by replaying WAL records against a base image,
// splitting each request between an in-process fast path for engine-internal
// record variants and an external replayer for opaque Postgres-native ones.
package walredo

import (
	"context"
	"sync"
	"time"

	"github.com/neondatabase/pageserver-redo/internal/config"
)

// redoChild is the subset of *redoProcess the Manager depends on; tests
// substitute a fake implementation so they never need a real postgres binary.
type redoChild interface {
	applyWALRecords(timeout time.Duration, writebuf []byte) ([]byte, error)
	kill()
}

// Manager owns a single tenant's wal-redo state: the mutex serialising
// access to the (lazily launched) child process, and the translator used to
// resolve storage keys for the in-process path.
type Manager struct {
	tenantID   string
	cfg        config.RedoConfig
	translator KeyTranslator
	launch     func(ctx context.Context, cfg config.RedoConfig, tenantID, pgVersion string) (redoChild, error)

	mu      sync.Mutex
	process redoChild
}

// NewManager constructs a tenant's redo manager. No child process is
// launched until the first request that needs one.
func NewManager(cfg config.RedoConfig, tenantID string, translator KeyTranslator) *Manager {
	return &Manager{
		tenantID:   tenantID,
		cfg:        cfg,
		translator: translator,
		launch: func(ctx context.Context, cfg config.RedoConfig, tenantID, pgVersion string) (redoChild, error) {
			return launchRedoProcess(ctx, cfg, tenantID, pgVersion)
		},
	}
}

// RequestRedo reconstructs the page at tag by replaying records against
// baseImage (required when the first run of records is structured; a batch
// that starts with opaque records may pass nil). records must be non-empty.
func (m *Manager) RequestRedo(ctx context.Context, key Key, tag BufferTag, baseImage []byte, records []WalRecord, pgVersion string) ([]byte, error) {
	if len(records) == 0 {
		return nil, newError(InvalidRequest, "request_redo called with an empty record list")
	}

	timer := prometheusTimer()
	defer timer.observeApply(m.tenantID)

	runs := splitRuns(records)
	page := baseImage

	for _, run := range runs {
		var err error
		if run[0].CanApplyInProcess() {
			page, err = m.applyNeonRun(key, page, run)
		} else {
			page, err = m.applyPostgresRun(ctx, tag, page, run, pgVersion)
		}
		if err != nil {
			return nil, err
		}
	}
	return page, nil
}

// LaunchProcess pre-emptively launches (or relaunches) the tenant's wal-redo
// child, ahead of the first real request. Useful for warming up a tenant or
// for benchmarking; not on the default request path.
func (m *Manager) LaunchProcess(ctx context.Context, pgVersion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureProcessLocked(ctx, pgVersion)
}

func (m *Manager) applyNeonRun(key Key, baseImage []byte, run []WalRecord) ([]byte, error) {
	if baseImage == nil {
		return nil, newError(InvalidRequest, "structured WAL run requires a base image")
	}
	page := make([]byte, len(baseImage))
	copy(page, baseImage)

	for _, rec := range run {
		if err := ApplyInProcess(m.translator, key, &page, rec); err != nil {
			return nil, err
		}
	}
	return page, nil
}

func (m *Manager) applyPostgresRun(ctx context.Context, tag BufferTag, baseImage []byte, run []WalRecord, pgVersion string) ([]byte, error) {
	records := make([]PostgresRecord, 0, len(run))
	for _, rec := range run {
		pr, ok := rec.(PostgresRecord)
		if !ok {
			return nil, newError(InvalidRequest, "non-opaque record reached the external apply path")
		}
		records = append(records, pr)
		RecordBytes.WithLabelValues(m.tenantID).Observe(float64(len(pr.Payload)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureProcessLocked(ctx, pgVersion); err != nil {
		return nil, err
	}

	writebuf := buildRequest(tag, baseImage, records)
	result, err := m.process.applyWALRecords(m.cfg.BatchTimeout(), writebuf)
	if err != nil {
		m.killProcessLocked()
		return nil, err
	}
	return result, nil
}

func (m *Manager) ensureProcessLocked(ctx context.Context, pgVersion string) error {
	if m.process != nil {
		return nil
	}
	proc, err := m.launch(ctx, m.cfg, m.tenantID, pgVersion)
	if err != nil {
		return err
	}
	m.process = proc
	ProcessLaunches.WithLabelValues(m.tenantID).Inc()
	return nil
}

func (m *Manager) killProcessLocked() {
	if m.process == nil {
		return
	}
	m.process.kill()
	m.process = nil
	ProcessKills.WithLabelValues(m.tenantID).Inc()
}

type applyTimer struct{ start time.Time }

func prometheusTimer() applyTimer { return applyTimer{start: time.Now()} }

func (t applyTimer) observeApply(tenantID string) {
	ApplyDuration.WithLabelValues(tenantID).Observe(time.Since(t.start).Seconds())
}
