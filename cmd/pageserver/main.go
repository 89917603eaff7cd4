package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neondatabase/pageserver-redo/internal/config"
	"github.com/neondatabase/pageserver-redo/internal/supervisor"
	"github.com/neondatabase/pageserver-redo/internal/walreceiver"
	"github.com/neondatabase/pageserver-redo/internal/walredo"
)

func main() {
	cfg := config.Get()
	slog.Info("pageserver starting", "env", cfg.Redo.Env)

	cfgManager, err := config.NewManager(getEnvOrDefault("CONFIG_PATH", "pageserver.yaml"), getEnvOrDefault("TENANTS_CONFIG_PATH", "pageserver-tenants.yaml"))
	if err != nil {
		slog.Warn("config: failed to load tenant override manager, every tenant uses the process-global config", "error", err)
		cfgManager = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("received shutdown signal, stopping")
		cancel()
	}()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.ListenAddr)
	}

	if cfg.Broker.Enabled {
		if err := launchStorageBroker(ctx, cfg); err != nil {
			slog.Warn("storage broker could not be launched, continuing without WAL streaming", "error", err)
		}
	}

	redoManagers := newRedoManagerSet(cfgManager, cfg.Redo)

	tenants := tenantTimelinesFromEnv()
	if len(tenants) == 0 {
		slog.Info("no tenants configured via PAGESERVER_TENANTS, idling with wal-redo ready but no wal streaming")
		<-ctx.Done()
		redoManagers.shutdown()
		return
	}

	var wg sync.WaitGroup
	if cfg.Broker.Enabled {
		broker, err := walreceiver.NewBrokerClient(ctx, cfg.Broker)
		if err != nil {
			slog.Error("failed to connect to broker, wal receivers disabled", "error", err)
		} else {
			defer broker.Close()
			for _, tt := range tenants {
				tt := tt
				// Ensure a wal-redo manager exists for this tenant up front, so its
				// child-process lifecycle tracks the tenant's active timelines even
				// though nothing downstream of the connection manager feeds it page
				// reconstruction requests yet (that wiring belongs to the storage
				// layer this module doesn't own).
				redoManagers.get(tt.TenantID, nil)
				wg.Add(1)
				go func() {
					defer wg.Done()
					runConnectionManager(ctx, cfgManager, cfg.Receiver, broker, tt)
				}()
			}
		}
	}

	wg.Wait()
	redoManagers.shutdown()
	slog.Info("pageserver stopped")
}

// redoManagerSet lazily creates one walredo.Manager per tenant, the same
// granularity at which the WAL-Redo Applier serializes child-process access.
// Each tenant's RedoConfig is resolved through cfgManager (when available)
// so a tenant override file can tune its batch timeout or pg_bin_dir/
// pg_lib_dir independently of the process-global default.
type redoManagerSet struct {
	cfgManager  *config.Manager
	fallbackCfg config.RedoConfig
	mu          sync.Mutex
	byTenant    map[string]*walredo.Manager
}

func newRedoManagerSet(cfgManager *config.Manager, fallback config.RedoConfig) *redoManagerSet {
	return &redoManagerSet{cfgManager: cfgManager, fallbackCfg: fallback, byTenant: make(map[string]*walredo.Manager)}
}

func (s *redoManagerSet) get(tenantID string, translator walredo.KeyTranslator) *walredo.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byTenant[tenantID]; ok {
		return m
	}
	redoCfg := s.fallbackCfg
	if s.cfgManager != nil {
		redoCfg = s.cfgManager.Get(tenantID).Redo
	}
	m := walredo.NewManager(redoCfg, tenantID, translator)
	s.byTenant[tenantID] = m
	return m
}

func (s *redoManagerSet) shutdown() {
	// Managers kill their child processes lazily, on error or GC finalizer;
	// nothing to do here beyond letting the process exit.
}

// runConnectionManager resolves this tenant's ReceiverConfig (tenant
// override if cfgManager has one, process-global fallback otherwise) and
// runs its connection manager loop until ctx is cancelled.
func runConnectionManager(ctx context.Context, cfgManager *config.Manager, fallback config.ReceiverConfig, broker *walreceiver.BrokerClient, id walreceiver.TenantTimelineID) {
	receiverCfg := fallback
	if cfgManager != nil {
		receiverCfg = cfgManager.Get(id.TenantID).Receiver
	}
	mgr := walreceiver.NewManager(id, receiverCfg, broker, unimplementedConnection, nil)
	if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("connection manager loop exited", "tenant", id.TenantID, "timeline", id.TimelineID, "error", err)
	}
}

// unimplementedConnection is the streaming replication client: opening a
// COPY BOTH logical replication connection to the selected safekeeper and
// feeding WAL bytes into the storage layer. Both ends of that pipe belong to
// the key translation and persistent storage layers this module doesn't
// own, so this stub only keeps the connection manager's control loop
// exercised end to end.
func unimplementedConnection(ctx context.Context, _ walreceiver.ConnectionConfig, events chan<- walreceiver.TaskEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

func launchStorageBroker(ctx context.Context, cfg *config.Config) error {
	binDir := ""
	for _, dir := range cfg.Redo.PgBinDir {
		binDir = dir
		break
	}
	if binDir == "" {
		return nil
	}
	_, err := supervisor.StartProcess(ctx, cfg.Supervisor, "storage-broker",
		binDir+"/storage_broker", []string{"--listen-addr=127.0.0.1:50051"},
		supervisor.BuildEnv(), supervisor.InitialPidFileExpect, "", nil)
	return err
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics server stopped: %v", err)
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// tenantTimelinesFromEnv reads PAGESERVER_TENANTS as a comma-separated list
// of tenant/timeline pairs, e.g. "tenant-a/main,tenant-b/main".
func tenantTimelinesFromEnv() []walreceiver.TenantTimelineID {
	raw := os.Getenv("PAGESERVER_TENANTS")
	if raw == "" {
		return nil
	}
	var out []walreceiver.TenantTimelineID
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		out = append(out, walreceiver.TenantTimelineID{TenantID: parts[0], TimelineID: parts[1]})
	}
	return out
}
