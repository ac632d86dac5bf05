package runlifecycle

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
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
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "factory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return Dependencies{Plans: store, Reports: store}
}

func TestRegister(t *testing.T) {
	t.Run("successful registration", func(t *testing.T) {
		registry := &mockRegistry{}
		require.NoError(t, Register(registry, factoryDeps(t)))
		require.True(t, registry.registered)

		cfg := registry.lastConfig
		assert.Equal(t, "run-lifecycle", cfg.Name)
		assert.Equal(t, "processor", cfg.Type)
		assert.Equal(t, "testgen", cfg.Domain)
		assert.Equal(t, "0.1.0", cfg.Version)
		assert.NotNil(t, cfg.Factory)
		assert.NotNil(t, cfg.Schema.Properties)
	})

	t.Run("nil registry returns error", func(t *testing.T) {
		require.Error(t, Register(nil, factoryDeps(t)))
	})
}

func TestFactory(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantSubject string
		wantErr     bool
	}{
		{name: "empty config uses defaults", raw: "", wantSubject: DefaultSubject},
		{name: "subject override", raw: `{"dispatch_subject":"engine.runs"}`, wantSubject: "engine.runs"},
		{name: "empty subject disables dispatch", raw: `{"dispatch_subject":""}`, wantSubject: ""},
		{name: "whitespace rejected", raw: `{"dispatch_subject":"a b"}`, wantErr: true},
		{name: "malformed json", raw: `{`, wantErr: true},
	}

	factory := Factory(factoryDeps(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := factory(json.RawMessage(tt.raw), component.Dependencies{})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			c := d.(*Component)
			assert.Equal(t, tt.wantSubject, c.config.DispatchSubject)
			// no NATS client, so no output port
			assert.Empty(t, d.OutputPorts())
		})
	}
}

func TestComponent_StartWithoutNATSKeepsNoop(t *testing.T) {
	c, store := setupComponent(t, nil)
	require.NoError(t, c.Initialize())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop(time.Second) })

	assert.True(t, c.Health().Healthy)
	assert.IsType(t, NoopDispatcher{}, c.currentDispatcher())

	_, err := c.CreateRun(context.Background(), alice, createPlan(t, store, "alice"))
	require.NoError(t, err)
	assert.False(t, c.DataFlow().LastActivity.IsZero())

	require.NoError(t, c.Stop(time.Second))
	assert.Equal(t, "stopped", c.Health().Status)
}

func TestComponent_InjectedDispatcherSurvivesRestart(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	c, _ := setupComponent(t, dispatcher)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(time.Second))
	assert.Same(t, dispatcher, c.currentDispatcher())
}

func TestNewJetStreamDispatcher_RequiresClient(t *testing.T) {
	_, err := NewJetStreamDispatcher(context.Background(), nil, "")
	require.Error(t, err)
}
