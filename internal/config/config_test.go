package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/crm_service/internal/errors"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_PUBLIC_KEY", "pem")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, BackendMemory, cfg.Idempotency.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 48, cfg.Pool.InactiveHours)
	assert.Equal(t, "@hourly", cfg.Pool.Schedule)
	assert.Equal(t, 8, cfg.Batch.Parallelism)
	assert.Equal(t, 100, cfg.Batch.MaxSize)
}

func TestLoadYAMLOverlay(t *testing.T) {
	t.Setenv("JWT_PUBLIC_KEY", "pem")
	t.Setenv("POOL_INACTIVE_HOURS", "24")

	path := filepath.Join(t.TempDir(), "crm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool:
  inactiveHours: 48
  contractStatuses: ["待定", "匹配中"]
  windowStart: "22:00"
  windowEnd: "06:00"
  rules:
    - name: sales-48h
      enableCompensation: true
      compensationPriority: 5
      userQuotas:
        - {userId: u1, role: source}
        - {userId: u2, role: target}
users:
  - id: u1
    name: 王经理
    role: manager
    capacityLimit: 80
`), 0o600))
	t.Setenv("CRM_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 48, cfg.Pool.InactiveHours)
	assert.Equal(t, []string{"待定", "匹配中"}, cfg.Pool.ContractStatuses)
	assert.Equal(t, "22:00", cfg.Pool.WindowStart)
	// keys missing from the file keep their environment value
	assert.Equal(t, 500, cfg.Pool.BatchLimit)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "manager", cfg.Users[0].Role)
	assert.Equal(t, 80, cfg.Users[0].CapacityLimit)
	assert.Nil(t, cfg.Users[0].Active)
	require.Len(t, cfg.Pool.Rules, 1)
	assert.Equal(t, "sales-48h", cfg.Pool.Rules[0].Name)
	assert.Equal(t, 5, cfg.Pool.Rules[0].CompensationPriority)
	assert.Equal(t, []UserQuotaConfig{{UserID: "u1", Role: "source"}, {UserID: "u2", Role: "target"}}, cfg.Pool.Rules[0].UserQuotas)
}

func TestLoadMissingOverlayFile(t *testing.T) {
	t.Setenv("JWT_PUBLIC_KEY", "pem")
	t.Setenv("CRM_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("JWT_PUBLIC_KEY", "pem")
	valid := func(t *testing.T) *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	quotas := func(role string) []UserQuotaConfig { return []UserQuotaConfig{{UserID: "a", Role: role}} }
	cases := map[string]func(*Config){
		"port":          func(c *Config) { c.Server.Port = 0 },
		"redis addr":    func(c *Config) { c.Idempotency.Backend = BackendRedis },
		"postgres dsn":  func(c *Config) { c.Idempotency.Backend = BackendPostgres },
		"backend":       func(c *Config) { c.Idempotency.Backend = "etcd" },
		"window":        func(c *Config) { c.Pool.WindowEnd = "25:99" },
		"timezone":      func(c *Config) { c.Pool.Timezone = "Mars/Olympus" },
		"hours":         func(c *Config) { c.Pool.InactiveHours = 0 },
		"missing key":   func(c *Config) { c.Auth.PublicKey = "" },
		"batch max":     func(c *Config) { c.Batch.MaxSize = 0 },
		"system user":   func(c *Config) { c.Users = []UserSeed{{ID: "system"}} },
		"rule name":     func(c *Config) { c.Pool.Rules = []TransferRuleConfig{{UserQuotas: quotas("source")}} },
		"rule role":     func(c *Config) { c.Pool.Rules = []TransferRuleConfig{{Name: "r", UserQuotas: quotas("owner")}} },
		"rule priority": func(c *Config) { c.Pool.Rules = []TransferRuleConfig{{Name: "r", EnableCompensation: true, UserQuotas: quotas("both")}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid(t)
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.NotNil(t, errors.GetServiceError(err))
		})
	}
}

func TestPublicKeyPEMFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, []byte("KEY"), 0o600))

	raw, err := AuthConfig{PublicKeyFile: path}.PublicKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, "KEY", string(raw))

	raw, err = AuthConfig{PublicKey: "INLINE", PublicKeyFile: path}.PublicKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, "INLINE", string(raw))
}
