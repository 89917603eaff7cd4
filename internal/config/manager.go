package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds per-tenant overrides of the global config.
type TenantsConfig struct {
	Tenants map[string]Config `yaml:"tenants"`
}

// Manager resolves the effective config for a given tenant, merging a
// tenant-specific override file on top of the global pageserver config.
// Redo and receiver tunables are the only fields tenants may override;
// supervisor and broker settings are process-global.
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]Config
	mu            sync.RWMutex
}

// NewManager loads both the master config and an optional tenant overrides
// file. A missing tenants file is not an error — it just means no tenant
// carries overrides.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}
	master.applyEnvOverrides()

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, tenantConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}

	return &Manager{globalConfig: master, tenantConfigs: tc.Tenants}, nil
}

// Get returns the effective config for a tenant, applying any tenant-level
// overrides on top of the global config.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	override, ok := m.tenantConfigs[tenantID]
	if !ok {
		return &effective
	}

	if override.Redo.BatchTimeoutSec != 0 {
		effective.Redo.BatchTimeoutSec = override.Redo.BatchTimeoutSec
	}
	if override.Redo.PgBinDir != nil {
		effective.Redo.PgBinDir = override.Redo.PgBinDir
	}
	if override.Redo.PgLibDir != nil {
		effective.Redo.PgLibDir = override.Redo.PgLibDir
	}
	if override.Receiver.LaggingWalTimeoutMillis != 0 {
		effective.Receiver.LaggingWalTimeoutMillis = override.Receiver.LaggingWalTimeoutMillis
	}
	if override.Receiver.MaxLsnWalLagBytes != 0 {
		effective.Receiver.MaxLsnWalLagBytes = override.Receiver.MaxLsnWalLagBytes
	}
	if override.Receiver.ConnectTimeoutSec != 0 {
		effective.Receiver.ConnectTimeoutSec = override.Receiver.ConnectTimeoutSec
	}
	if override.Receiver.RetryMinBackoffSec != 0 {
		effective.Receiver.RetryMinBackoffSec = override.Receiver.RetryMinBackoffSec
	}
	if override.Receiver.RetryMaxBackoffSec != 0 {
		effective.Receiver.RetryMaxBackoffSec = override.Receiver.RetryMaxBackoffSec
	}
	if override.Receiver.RetryBackoffMultiplier != 0 {
		effective.Receiver.RetryBackoffMultiplier = override.Receiver.RetryBackoffMultiplier
	}

	return &effective
}

// SetTenantOverride installs (or replaces) a tenant's override at runtime,
// e.g. after an admin API call; it never touches the global config.
func (m *Manager) SetTenantOverride(tenantID string, override Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenantConfigs[tenantID] = override
}
