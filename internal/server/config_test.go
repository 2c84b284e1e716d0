package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"worktracker/internal/domain/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONConfig(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    struct {
			err        bool
			key        string
			port       int
			refreshTTL time.Duration
		}
	}{
		{
			name:    "jwt section overlays defaults",
			content: `{"Port": 9090, "Jwt": {"Key": "0123456789abcdef", "Issuer": "iss", "Audience": "aud"}, "RefreshTTL": "24h"}`,
			want: struct {
				err        bool
				key        string
				port       int
				refreshTTL time.Duration
			}{key: "0123456789abcdef", port: 9090, refreshTTL: 24 * time.Hour},
		},
		{
			name:    "partial file keeps defaults",
			content: `{"Storage": "sqlite"}`,
			want: struct {
				err        bool
				key        string
				port       int
				refreshTTL time.Duration
			}{port: defaultPort, refreshTTL: DefaultConfig.RefreshTTL},
		},
		{
			name:    "broken json",
			content: `{"Port": `,
			want: struct {
				err        bool
				key        string
				port       int
				refreshTTL time.Duration
			}{err: true},
		},
		{
			name:    "bad duration",
			content: `{"RefreshTTL": "week"}`,
			want: struct {
				err        bool
				key        string
				port       int
				refreshTTL time.Duration
			}{err: true},
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "config"+string(rune('a'+i))+".json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			cfg, err := parseJSONConfig(path)
			if tt.want.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.key, cfg.Jwt.Key)
			assert.Equal(t, tt.want.port, cfg.Port)
			assert.Equal(t, tt.want.refreshTTL, cfg.RefreshTTL)
		})
	}

	_, err := parseJSONConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("STORAGE", "SQLite")
	t.Setenv("JWT_KEY", "env-key-0123456789")
	t.Setenv("CORS_ORIGINS", "http://a.example, http://b.example,")
	t.Setenv("REFRESH_TTL", "2h")

	cfg := DefaultConfig
	applyEnvOverrides(&cfg)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, StorageSQLite, cfg.Storage)
	assert.Equal(t, "env-key-0123456789", cfg.Jwt.Key)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 2*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, defaultIssuer, cfg.Jwt.Issuer)
}

func TestApplyEnvOverridesInvalidPort(t *testing.T) {
	t.Setenv("PORT", "99999")

	cfg := DefaultConfig
	applyEnvOverrides(&cfg)
	assert.Equal(t, defaultPort, cfg.Port)
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig
	valid.Jwt.Key = "0123456789abcdef"

	tests := []struct {
		name   string
		mutate func(*Config)
		want   struct {
			err bool
		}
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "short key", mutate: func(c *Config) { c.Jwt.Key = "short" }, want: struct{ err bool }{err: true}},
		{name: "missing key", mutate: func(c *Config) { c.Jwt.Key = "" }, want: struct{ err bool }{err: true}},
		{name: "missing audience", mutate: func(c *Config) { c.Jwt.Audience = "" }, want: struct{ err bool }{err: true}},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage = "redis" }, want: struct{ err bool }{err: true}},
		{name: "bad port", mutate: func(c *Config) { c.Port = 0 }, want: struct{ err bool }{err: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want.err {
				assert.ErrorIs(t, err, errors.ErrConfiguration)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
