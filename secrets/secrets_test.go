package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvResolve(t *testing.T) {
	env := &Env{
		Prefix: "CONDUCTOR_SECRET_",
		Lookup: func(k string) (string, bool) {
			if k == "CONDUCTOR_SECRET_STASHPASSWORD" {
				return "hunter2", true
			}
			return "", false
		},
	}

	v, err := env.Resolve(context.Background(), "credentialsJSON:stashPassword")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	v, err = env.Resolve(context.Background(), "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", v)

	_, err = env.Resolve(context.Background(), "credentialsJSON:sonar-token")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "CONDUCTOR_SECRET_SONAR_TOKEN")
}

func TestResolveAll(t *testing.T) {
	env := &Env{Lookup: func(k string) (string, bool) { return "tok", k == "SONARTOKEN" }}

	out, err := ResolveAll(context.Background(), env, map[string]string{
		"system.SONAR_TOKEN": "credentialsJSON:sonarToken",
		"system.SONAR_URL":   "https://sonar",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"system.SONAR_TOKEN": "tok",
		"system.SONAR_URL":   "https://sonar",
	}, out)

	_, err = ResolveAll(context.Background(), env, map[string]string{"x": "credentialsJSON:nope"})
	assert.Error(t, err)
}

func TestVaultResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		switch r.URL.Path {
		case "/v1/kv/data/conductor/stashPassword":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"data": {"data": {"value": "hunter2", "user": "builduser"},
				"metadata": {"created_time": "2024-03-22T02:24:06.945319214Z", "deletion_time": "", "destroyed": false, "version": 1}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errors": []}`))
		}
	}))
	defer srv.Close()

	v, err := NewVault(srv.URL, "test-token", "kv", "/conductor/")
	require.NoError(t, err)

	got, err := v.Resolve(context.Background(), "credentialsJSON:stashPassword")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	got, err = v.Resolve(context.Background(), "credentialsJSON:stashPassword#user")
	require.NoError(t, err)
	assert.Equal(t, "builduser", got)

	_, err = v.Resolve(context.Background(), "credentialsJSON:stashPassword#nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = v.Resolve(context.Background(), "credentialsJSON:missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	got, err = v.Resolve(context.Background(), "literal")
	require.NoError(t, err)
	assert.Equal(t, "literal", got)
}
