package main

import (
	"context"
	"testing"
	"time"

	"github.com/run-ci/conductor/pipeline"
	"github.com/run-ci/conductor/secrets"
	"github.com/run-ci/conductor/store"
	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, ":9001", cfg.Addr)
	assert.Equal(t, "settings.yaml", cfg.Settings)
	assert.Equal(t, 64, cfg.QueueSize)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, "env", cfg.Secrets.Provider)
	assert.Equal(t, "local", cfg.Artifacts.Store)
	assert.Equal(t, "verify-full", cfg.Postgres.SSL)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(context.Background(), envconfig.MapLookuper(map[string]string{
		"CONDUCTOR_ADDR":                ":8080",
		"CONDUCTOR_POLL_INTERVAL":       "30s",
		"CONDUCTOR_POSTGRES_USER":       "conductor",
		"CONDUCTOR_POSTGRES_PASS":       "pass",
		"CONDUCTOR_POSTGRES_HREF":       "db:5432",
		"CONDUCTOR_POSTGRES_DB":         "conductor",
		"CONDUCTOR_POSTGRES_SSL":        "disable",
		"CONDUCTOR_SECRETS_PROVIDER":    "vault",
		"CONDUCTOR_SECRETS_VAULT_TOKEN": "root",
		"CONDUCTOR_ARTIFACTS_STORE":     "s3",
		"CONDUCTOR_ARTIFACTS_BUCKET":    "builds",
		"CONDUCTOR_ARTIFACTS_ENDPOINT":  "http://minio:9000",
		"ADDR":                          ":1",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, "postgres://conductor:pass@db:5432/conductor?sslmode=disable", cfg.Postgres.ConnString())
	assert.Equal(t, "root", cfg.Secrets.Vault.Token)
	assert.Equal(t, "secret", cfg.Secrets.Vault.Mount)
	assert.Equal(t, "builds", cfg.Artifacts.Bucket)
	assert.Equal(t, "http://minio:9000", cfg.Artifacts.Endpoint)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres without user", map[string]string{"CONDUCTOR_POSTGRES_HREF": "db", "CONDUCTOR_POSTGRES_DB": "c"}, "CONDUCTOR_POSTGRES_USER"},
		{"vault without token", map[string]string{"CONDUCTOR_SECRETS_PROVIDER": "vault"}, "CONDUCTOR_SECRETS_VAULT_TOKEN"},
		{"unknown provider", map[string]string{"CONDUCTOR_SECRETS_PROVIDER": "keychain"}, "unknown secrets provider"},
		{"s3 without bucket", map[string]string{"CONDUCTOR_ARTIFACTS_STORE": "s3"}, "CONDUCTOR_ARTIFACTS_BUCKET"},
		{"unknown store", map[string]string{"CONDUCTOR_ARTIFACTS_STORE": "ftp"}, "unknown artifact store"},
		{"zero queue", map[string]string{"CONDUCTOR_QUEUE_SIZE": "0"}, "queue size"},
		{"bad duration", map[string]string{"CONDUCTOR_POLL_INTERVAL": "often"}, "often"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(context.Background(), envconfig.MapLookuper(tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestOpenStoreInMemory(t *testing.T) {
	st, err := openStore(Postgres{})
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, st)
}

func TestNewResolver(t *testing.T) {
	r, err := newResolver(Secrets{Provider: "env", EnvPrefix: "CI_"})
	require.NoError(t, err)

	env, ok := r.(*secrets.Env)
	require.True(t, ok)
	assert.Equal(t, "CI_", env.Prefix)
}

func TestNewAgents(t *testing.T) {
	agents, err := newAgents([]pipeline.AgentSpec{
		{Name: "linux-1", Runner: "shell", Params: map[string]string{"docker.server.osType": "linux"}},
	})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "linux-1", agents[0].Name)

	_, err = newAgents(nil)
	assert.Error(t, err)
}

func TestRoots(t *testing.T) {
	cfg := &pipeline.Config{Roots: map[string]*pipeline.VcsRoot{
		"b": {Name: "b"},
		"a": {Name: "a"},
	}}

	var got []string
	for _, r := range roots(cfg) {
		got = append(got, r.Name)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}
