//go:build e2e

package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"aggregator/internal/aggregate"
	"aggregator/internal/api"
	"aggregator/internal/client"
	"aggregator/internal/health"
	"aggregator/internal/notify"
	"aggregator/internal/observability"
	"aggregator/internal/provider/fake"
	"aggregator/internal/record/memory"
	"aggregator/internal/storage/fs"
)

const (
	testPrincipal  = "e2e-owner"
	testSigningKey = "e2e-callback-key"
)

type testServer struct {
	URL      string
	provider *fake.Provider  // nil against an external API
	notifier notify.Notifier // nil against an external API
}

func (s *testServer) client(opts ...client.Option) *client.Client {
	opts = append([]client.Option{
		client.WithAPIKey(os.Getenv("E2E_API_KEY")),
		client.WithPrincipal(api.DefaultPrincipalHeader, testPrincipal),
	}, opts...)
	return client.New(s.URL, opts...)
}

// getTestServer returns the API under test.
// If E2E_API_URL is set, tests run against that instance.
// Otherwise, an in-process server with a fake provider is created.
func getTestServer(tb testing.TB, callbackURL string) *testServer {
	tb.Helper()
	if url := os.Getenv("E2E_API_URL"); url != "" {
		tb.Logf("Using external API: %s", url)
		return &testServer{URL: url}
	}
	return createTestServer(tb, callbackURL)
}

func requireInProcess(tb testing.TB, s *testServer) {
	tb.Helper()
	if s.provider == nil {
		tb.Skip("requires the in-process fake provider")
	}
}

func createTestServer(tb testing.TB, callbackURL string) *testServer {
	tb.Helper()
	ctx := context.Background()

	metrics, _, err := observability.NewMetrics(ctx)
	if err != nil {
		tb.Fatalf("Failed to create metrics: %v", err)
	}
	tp := observability.NewTracerProvider()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)

	prov := fake.New(fake.Config{PollsToSucceed: 2, OutputBaseURL: srv.URL})
	objects, err := fs.New(tb.TempDir(), srv.URL+"/objects")
	if err != nil {
		srv.Close()
		tb.Fatalf("Failed to create object store: %v", err)
	}
	store := memory.New()

	notifier := notify.New(notify.Config{
		URL:         callbackURL,
		SigningKey:  testSigningKey,
		BufferSize:  10000,
		Workers:     8,
		HTTPTimeout: 5 * time.Second,
	}, metrics)

	svc := aggregate.NewService(aggregate.Deps{
		Store:    store,
		Provider: prov,
		Objects:  objects,
		Notifier: notifier,
		Metrics:  metrics,
		Tracer:   observability.NewTracer(tp),
	}, aggregate.Config{MaxSlots: 16})

	checker := health.NewChecker()
	checker.Register("store", store)
	checker.Register("provider", prov, health.Optional())
	checker.Register("storage", objects)

	mux.Handle("/", api.NewRouter(api.RouterConfig{
		Service:         svc,
		Metrics:         metrics,
		Tracer:          observability.NewTracer(tp),
		HealthChecker:   checker,
		PrincipalHeader: api.DefaultPrincipalHeader,
		Objects:         objects.Handler(),
		Extra:           map[string]http.Handler{fake.OutputPath: prov.Handler()},
	}))

	tb.Cleanup(func() {
		// Drain notifier before closing server so pending webhooks can be delivered
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		notifier.Close(ctx)
		srv.Close()
		tp.Shutdown(context.Background())
	})

	return &testServer{URL: srv.URL, provider: prov, notifier: notifier}
}
