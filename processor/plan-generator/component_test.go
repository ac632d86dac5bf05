package plangenerator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/testgen/llm"
	"github.com/c360studio/testgen/llm/testutil"
	"github.com/c360studio/testgen/model"
	"github.com/c360studio/testgen/quota"
	"github.com/c360studio/testgen/source/webfetch"
	"github.com/c360studio/testgen/source/weburl"
	"github.com/c360studio/testgen/storage"
	"github.com/c360studio/testgen/storage/sqlite"
	"github.com/c360studio/testgen/testplan"
	"github.com/c360studio/testgen/workflow/prompts"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// keep-alive connections of the fetcher's transport wind down asynchronously
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

const loginPlan = "Here is your plan:\n```json\n" + `[
  {
    "name": "Login",
    "description": "User signs in",
    "steps": [
      {"action": "navigate", "value": "https://app.example.com"},
      {"action": "type", "selector": "#email", "value": "a@example.com"},
      {"action": "click", "selector": "button[type=submit]"},
      {"action": "assert", "selector": "h1", "expected": "Dashboard"}
    ]
  }
]` + "\n```\nGood luck!"

// stubFetcher returns a fixed result and counts calls.
type stubFetcher struct {
	mu    sync.Mutex
	text  string
	ok    bool
	calls []string
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	return f.text, f.ok
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	component *Component
	store     storage.Store
	gateway   *testutil.MockGateway
}

type fixtureOption func(*Dependencies)

func withFetcher(f ContentFetcher) fixtureOption {
	return func(d *Dependencies) { d.Fetcher = f }
}

func withModels(r *model.Registry) fixtureOption {
	return func(d *Dependencies) { d.Models = r }
}

// setupFixture wires a component over a temp sqlite store with user "u1"
// on the free tier.
func setupFixture(t *testing.T, gateway *testutil.MockGateway, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "gen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.PutUser(ctx, &storage.User{ID: "u1", SubscriptionState: "free"}))

	deps := Dependencies{
		Limiter: quota.New(store, quota.Config{DailyLimit: 3}),
		Fetcher: &stubFetcher{text: "Sign in with your email.", ok: true},
		Gateway: gateway,
		Plans:   store,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	cfg := DefaultConfig()
	cfg.DefaultModel = "test-model"
	c, err := NewComponent(cfg, deps)
	require.NoError(t, err)

	return &fixture{component: c, store: store, gateway: gateway}
}

func validRequest() Request {
	return Request{
		OwnerID: "u1",
		DocLink: "https://docs.example.com/login",
		AppURL:  "https://app.example.com",
	}
}

func TestGenerate_Success(t *testing.T) {
	ctx := context.Background()
	fx := setupFixture(t, &testutil.MockGateway{Responses: []string{loginPlan}})

	res, err := fx.component.Generate(ctx, validRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, res.TestPlanID)
	assert.Equal(t, "test-model", res.ModelUsed)
	assert.False(t, res.FetchDegraded)
	assert.False(t, res.Validation.Partial)
	require.Len(t, res.GeneratedPlan, 1)
	assert.Len(t, res.GeneratedPlan[0].Steps, 4)

	stored, err := fx.store.GetPlan(ctx, res.TestPlanID)
	require.NoError(t, err)
	assert.Equal(t, "u1", stored.OwnerID)
	assert.Equal(t, "https://docs.example.com/login", stored.DocLink)
	assert.Equal(t, "https://app.example.com", stored.AppURL)
	assert.Equal(t, "test-model", stored.ModelUsed)
	if diff := cmp.Diff(res.GeneratedPlan, stored.Plan); diff != "" {
		t.Errorf("stored plan mismatch (-generated +stored):\n%s", diff)
	}

	require.Equal(t, 1, fx.gateway.CallCount())
	call := fx.gateway.Calls()[0]
	assert.Equal(t, "test-model", call.Model)
	assert.InDelta(t, 0.3, call.Temperature, 1e-9)
	assert.Contains(t, call.Prompt, "Sign in with your email.")
	assert.NotContains(t, call.Prompt, prompts.NoDocumentationMarker)
}

func TestGenerate_FetchFailureDegrades(t *testing.T) {
	ctx := context.Background()
	fetcher := &stubFetcher{ok: false}
	fx := setupFixture(t, &testutil.MockGateway{Responses: []string{loginPlan}}, withFetcher(fetcher))

	res, err := fx.component.Generate(ctx, validRequest())
	require.NoError(t, err)
	assert.True(t, res.FetchDegraded)
	assert.Equal(t, 1, fetcher.callCount())
	assert.Contains(t, fx.gateway.LastPrompt(), prompts.NoDocumentationMarker)

	_, err = fx.store.GetPlan(ctx, res.TestPlanID)
	require.NoError(t, err)
}

func TestGenerate_FetchTimeoutDegrades(t *testing.T) {
	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer docs.Close()

	fetcher := webfetch.New(webfetch.Config{Timeout: 100 * time.Millisecond, Policy: policyAllowPrivate()})
	fx := setupFixture(t, &testutil.MockGateway{Responses: []string{loginPlan}}, withFetcher(fetcher))

	req := validRequest()
	req.DocLink = docs.URL + "/slow"

	res, err := fx.component.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.FetchDegraded)
	assert.Contains(t, fx.gateway.LastPrompt(), prompts.NoDocumentationMarker)
}

func TestGenerate_FetchesRealDocument(t *testing.T) {
	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><nav>Menu</nav><main><h1>Reset password</h1><p>Use the Forgot link.</p></main><script>x()</script></body></html>`))
	}))
	defer docs.Close()

	fetcher := webfetch.New(webfetch.Config{Policy: policyAllowPrivate()})
	fx := setupFixture(t, &testutil.MockGateway{Responses: []string{loginPlan}}, withFetcher(fetcher))

	req := validRequest()
	req.DocLink = docs.URL

	res, err := fx.component.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.FetchDegraded)

	prompt := fx.gateway.LastPrompt()
	assert.Contains(t, prompt, "Reset password Use the Forgot link.")
	assert.NotContains(t, prompt, "Menu")
	assert.NotContains(t, prompt, "x()")
}

func TestGenerate_MalformedOutputKeepsRaw(t *testing.T) {
	ctx := context.Background()
	raw := "Sure! Here's your plan: {not json"
	fx := setupFixture(t, &testutil.MockGateway{Responses: []string{raw}})

	res, err := fx.component.Generate(ctx, validRequest())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, testplan.ErrMalformedOutput)

	var mo *testplan.MalformedOutputError
	require.True(t, errors.As(err, &mo))
	assert.Equal(t, raw, mo.Raw)
	assert.Equal(t, testplan.ReasonInvalidJSON, mo.Reason)

	plans, err := fx.store.ListPlans(ctx, storage.PlanFilter{OwnerID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, plans, "nothing is stored on malformed output")

	u, err := fx.store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.Quota.Count, "admission is consumed before the model call")
}

func TestGenerate_EmptyArrayRejected(t *testing.T) {
	fx := setupFixture(t, &testutil.MockGateway{Responses: []string{"```json\n[]\n```"}})

	_, err := fx.component.Generate(context.Background(), validRequest())
	var mo *testplan.MalformedOutputError
	require.True(t, errors.As(err, &mo))
	assert.Equal(t, testplan.ReasonEmptyArray, mo.Reason)
}

func TestGenerate_PartialPlanStored(t *testing.T) {
	ctx := context.Background()
	raw := `[{"name": "Search", "steps": [{"action": "navigate", "value": "https://app.example.com"}, {"selector": "#q"}]}]`
	fx := setupFixture(t, &testutil.MockGateway{Responses: []string{raw}})

	res, err := fx.component.Generate(ctx, validRequest())
	require.NoError(t, err)
	assert.True(t, res.Validation.Partial)
	assert.Len(t, res.Validation.Warnings, 1)

	stored, err := fx.store.GetPlan(ctx, res.TestPlanID)
	require.NoError(t, err)
	require.Len(t, stored.Plan[0].Steps, 2)
	assert.Equal(t, "#q", stored.Plan[0].Steps[1].Selector)
}

func TestGenerate_ModelFailures(t *testing.T) {
	callErr := &llm.ModelError{Model: "test-model", Provider: "openai", Err: llm.NewFatalError(errors.New("status 401"))}

	tests := []struct {
		name        string
		err         error
		wantModelEr bool
		wantEmpty   bool
	}{
		{"call failed", callErr, true, false},
		{"no content", llm.ErrNoContent, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := setupFixture(t, &testutil.MockGateway{Err: tt.err})

			_, err := fx.component.Generate(context.Background(), validRequest())
			require.Error(t, err)
			assert.ErrorIs(t, err, testplan.ErrUpstreamFailed)

			var me *llm.ModelError
			assert.Equal(t, tt.wantModelEr, errors.As(err, &me))
			assert.Equal(t, tt.wantEmpty, errors.Is(err, llm.ErrNoContent))
		})
	}
}

func TestGenerate_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	fetcher := &stubFetcher{text: "docs", ok: true}
	fx := setupFixture(t, &testutil.MockGateway{Responses: []string{loginPlan}}, withFetcher(fetcher))

	for i := range 3 {
		_, err := fx.component.Generate(ctx, validRequest())
		require.NoError(t, err, "request %d", i+1)
	}

	_, err := fx.component.Generate(ctx, validRequest())
	require.Error(t, err)

	var qe *testplan.QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 3, qe.Limit)
	assert.NotEmpty(t, qe.Hint)

	assert.Equal(t, 3, fetcher.callCount(), "rejected requests make no external calls")
	assert.Equal(t, 3, fx.gateway.CallCount())
}

func TestGenerate_IdenticalRequestsAreIndependent(t *testing.T) {
	ctx := context.Background()
	fx := setupFixture(t, &testutil.MockGateway{Responses: []string{loginPlan}})

	first, err := fx.component.Generate(ctx, validRequest())
	require.NoError(t, err)
	second, err := fx.component.Generate(ctx, validRequest())
	require.NoError(t, err)

	assert.NotEqual(t, first.TestPlanID, second.TestPlanID)
	assert.Equal(t, 2, fx.gateway.CallCount())
}

func TestGenerate_UnknownUser(t *testing.T) {
	fx := setupFixture(t, &testutil.MockGateway{Responses: []string{loginPlan}})

	req := validRequest()
	req.OwnerID = "ghost"
	_, err := fx.component.Generate(context.Background(), req)
	assert.ErrorIs(t, err, testplan.ErrForbidden)
	assert.Zero(t, fx.gateway.CallCount())
}

func TestGenerate_InvalidInput(t *testing.T) {
	registry := model.NewRegistry("test-model", map[string]*model.EndpointConfig{
		"test-model": {Provider: "openai"},
	})

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing doc link", func(r *Request) { r.DocLink = "" }},
		{"blank app url", func(r *Request) { r.AppURL = "   " }},
		{"relative doc link", func(r *Request) { r.DocLink = "/docs/login" }},
		{"ftp app url", func(r *Request) { r.AppURL = "ftp://app.example.com" }},
		{"missing owner", func(r *Request) { r.OwnerID = "" }},
		{"unknown model", func(r *Request) { r.Model = "nope" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			fx := setupFixture(t, &testutil.MockGateway{Responses: []string{loginPlan}}, withModels(registry))

			req := validRequest()
			tt.mutate(&req)
			_, err := fx.component.Generate(ctx, req)
			require.Error(t, err)
			assert.ErrorIs(t, err, testplan.ErrInputInvalid)
			assert.Zero(t, fx.gateway.CallCount())

			u, err := fx.store.GetUser(ctx, "u1")
			require.NoError(t, err)
			assert.Zero(t, u.Quota.Count, "invalid input must not consume quota")
		})
	}
}

func TestGenerate_RegistryDefaultModel(t *testing.T) {
	registry := model.NewRegistry("fallback", map[string]*model.EndpointConfig{
		"fallback": {Provider: "openai"},
	})
	gateway := &testutil.MockGateway{Responses: []string{loginPlan}}
	fx := setupFixture(t, gateway, withModels(registry))
	fx.component.config.DefaultModel = ""

	res, err := fx.component.Generate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.ModelUsed)
	assert.Equal(t, "fallback", gateway.Calls()[0].Model)
}

func TestNewComponent_RequiresDependencies(t *testing.T) {
	_, err := NewComponent(DefaultConfig(), Dependencies{})
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.Temperature = 5
	_, err = NewComponent(cfg, Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature")
}

// policyAllowPrivate lets the fetcher reach httptest servers on loopback.
func policyAllowPrivate() weburl.Policy {
	return weburl.Policy{AllowPrivate: true}
}
