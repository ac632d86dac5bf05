package testplanapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/testgen/llm/testutil"
	plangenerator "github.com/c360studio/testgen/processor/plan-generator"
	runlifecycle "github.com/c360studio/testgen/processor/run-lifecycle"
	"github.com/c360studio/testgen/quota"
	"github.com/c360studio/testgen/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRegistry implements RegistryInterface for testing.
type mockRegistry struct {
	registered bool
	lastConfig component.RegistrationConfig
}

func (m *mockRegistry) RegisterWithConfig(cfg component.RegistrationConfig) error {
	m.registered = true
	m.lastConfig = cfg
	return nil
}

func factoryDeps(t *testing.T) Dependencies {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "factory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gen, err := plangenerator.NewComponent(plangenerator.DefaultConfig(), plangenerator.Dependencies{
		Limiter: quota.New(store, quota.Config{DailyLimit: 3}),
		Fetcher: staticFetcher{},
		Gateway: &testutil.MockGateway{},
		Plans:   store,
	})
	require.NoError(t, err)
	runs, err := runlifecycle.NewComponent(runlifecycle.DefaultConfig(), runlifecycle.Dependencies{Plans: store, Reports: store})
	require.NoError(t, err)

	return Dependencies{Generator: gen, Runs: runs, Plans: store, Reports: store}
}

func TestRegister(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		registry := &mockRegistry{}
		require.NoError(t, Register(registry, factoryDeps(t)))
		require.True(t, registry.registered)

		cfg := registry.lastConfig
		assert.Equal(t, "testplan-api", cfg.Name)
		assert.Equal(t, "processor", cfg.Type)
		assert.Equal(t, "http", cfg.Protocol)
		assert.Equal(t, "testgen", cfg.Domain)
		assert.NotNil(t, cfg.Factory)
		assert.NotNil(t, cfg.Schema.Properties)
	})

	t.Run("nil registry returns error", func(t *testing.T) {
		require.Error(t, Register(nil, factoryDeps(t)))
	})
}

func TestFactory_PrefixRoutesAPI(t *testing.T) {
	d, err := Factory(factoryDeps(t))(json.RawMessage(`{"prefix":"v2"}`), component.Dependencies{})
	require.NoError(t, err)
	api := d.(*Component)
	assert.Equal(t, int64(DefaultMaxBodyBytes), api.config.MaxBodyBytes)

	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v2/models", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderUserID, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the API has not been started
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
