package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"aggregator/internal/aggregate"
	"aggregator/internal/api"
	"aggregator/internal/health"
	"aggregator/internal/provider/fake"
	"aggregator/internal/record/memory"
	"aggregator/internal/storage/fs"
)

const (
	testAPIKey    = "client-test-key"
	testPrincipal = "owner-1"
)

type testEnv struct {
	server   *httptest.Server
	provider *fake.Provider
	client   *Client
	faults   *faults
}

// faults answers matching API requests with a canned error body.
type faults struct {
	mu        sync.Mutex
	match     func(*http.Request) bool
	remaining int
	status    int
	body      string
}

// inject fails the next times requests that match.
func (f *faults) inject(match func(*http.Request) bool, times, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.match, f.remaining, f.status, f.body = match, times, status, body
}

func (f *faults) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		hit := f.remaining > 0 && f.match(r)
		if hit {
			f.remaining--
		}
		status, body := f.status, f.body
		f.mu.Unlock()

		if !hit {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

// statusPoll matches job status polls for slot.
func statusPoll(slot string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/jobs/") &&
			r.URL.Query().Get("slotIndex") == slot
	}
}

func newTestEnv(t *testing.T, pollsToSucceed int) *testEnv {
	t.Helper()

	mux := http.NewServeMux()
	injected := &faults{}
	srv := httptest.NewServer(injected.wrap(mux))
	t.Cleanup(srv.Close)

	prov := fake.New(fake.Config{PollsToSucceed: pollsToSucceed, OutputBaseURL: srv.URL})
	objects, err := fs.New(t.TempDir(), srv.URL+"/objects")
	if err != nil {
		t.Fatalf("fs.New failed: %v", err)
	}

	svc := aggregate.NewService(aggregate.Deps{
		Store:    memory.New(),
		Provider: prov,
		Objects:  objects,
	}, aggregate.Config{MaxSlots: 8})

	mux.Handle("/", api.NewRouter(api.RouterConfig{
		Service:         svc,
		HealthChecker:   health.NewChecker(),
		PrincipalHeader: api.DefaultPrincipalHeader,
		APIKey:          testAPIKey,
		Objects:         objects.Handler(),
		Extra:           map[string]http.Handler{fake.OutputPath: prov.Handler()},
	}))

	c := New(srv.URL,
		WithAPIKey(testAPIKey),
		WithPrincipal(api.DefaultPrincipalHeader, testPrincipal),
		WithHTTPClient(srv.Client()),
	)
	return &testEnv{server: srv, provider: prov, client: c, faults: injected}
}

// events collects poller events.
type events struct {
	list []Event
}

func (e *events) observe(ev Event) { e.list = append(e.list, ev) }

func (e *events) count(kind EventKind) int {
	n := 0
	for _, ev := range e.list {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
