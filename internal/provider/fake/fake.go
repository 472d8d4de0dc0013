// Package fake is an in-memory Provider for local development and tests.
//
// Jobs report "starting", then "processing", then "succeeded" once they have
// been polled PollsToSucceed times. Their output is served by Handler at
// {OutputBaseURL}/fake-outputs/{id}.png.
package fake

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"aggregator/internal/provider"
)

// OutputPath is where Handler expects to be mounted.
const OutputPath = "/fake-outputs/"

// Config configures the fake.
type Config struct {
	PollsToSucceed int // default 2
	OutputBaseURL  string
}

type job struct {
	req     provider.SubmitRequest
	polls   int
	failMsg string
}

// Provider is a scriptable fake.
type Provider struct {
	mu             sync.Mutex
	jobs           map[string]*job
	pollsToSucceed int
	outputBaseURL  string
	failSlots      map[int]string
	submitErr      error
	downloadFails  int
	submitted      int
	downloads      int
}

// New creates a fake provider.
func New(cfg Config) *Provider {
	polls := cfg.PollsToSucceed
	if polls <= 0 {
		polls = 2
	}
	return &Provider{
		jobs:           make(map[string]*job),
		pollsToSucceed: polls,
		outputBaseURL:  strings.TrimRight(cfg.OutputBaseURL, "/"),
		failSlots:      make(map[int]string),
	}
}

// SetOutputBaseURL changes where output locations point.
func (p *Provider) SetOutputBaseURL(base string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outputBaseURL = strings.TrimRight(base, "/")
}

// FailSlot makes jobs submitted for slot from now on fail with msg.
func (p *Provider) FailSlot(slot int, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failSlots[slot] = msg
}

// ClearFailures removes every FailSlot script.
func (p *Provider) ClearFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failSlots = make(map[int]string)
}

// FailSubmits makes Submit return err until called again with nil.
func (p *Provider) FailSubmits(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErr = err
}

// FailDownloads makes the next n output downloads return 503.
func (p *Provider) FailDownloads(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downloadFails = n
}

// Submitted returns how many jobs were accepted.
func (p *Provider) Submitted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted
}

// Downloads returns how many output downloads were served successfully.
func (p *Provider) Downloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloads
}

// Submit registers a new job.
func (p *Provider) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.submitErr != nil {
		return "", p.submitErr
	}

	id := uuid.NewString()
	p.jobs[id] = &job{req: req, failMsg: p.failSlots[req.SlotIndex]}
	p.submitted++
	return id, nil
}

// Status advances the job by one poll.
func (p *Provider) Status(ctx context.Context, id string) (*provider.NativeStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	j, ok := p.jobs[id]
	if !ok {
		return nil, provider.ErrJobNotFound
	}
	j.polls++

	st := &provider.NativeStatus{ID: id}
	switch {
	case j.failMsg != "" && j.polls >= p.pollsToSucceed:
		st.State = "failed"
		st.Error = j.failMsg
	case j.polls >= p.pollsToSucceed:
		st.State = "succeeded"
		st.Outputs = []string{p.outputBaseURL + OutputPath + id + ".png"}
	case j.polls == 1:
		st.State = "starting"
	default:
		st.State = "processing"
	}
	return st, nil
}

// Ready always succeeds.
func (p *Provider) Ready(context.Context) error { return nil }

// Handler serves job outputs under OutputPath.
func (p *Provider) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, OutputPath)
		id := strings.TrimSuffix(name, ".png")

		p.mu.Lock()
		j, ok := p.jobs[id]
		fail := p.downloadFails > 0
		if fail {
			p.downloadFails--
		} else if ok {
			p.downloads++
		}
		p.mu.Unlock()

		if !ok || name == id {
			http.NotFound(w, r)
			return
		}
		if fail {
			http.Error(w, "output temporarily unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(Output(id, j.req.SlotIndex))
	})
}

// Output returns the deterministic bytes served for a job.
func Output(id string, slot int) []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), fmt.Sprintf("fake output %s slot %d", id, slot)...)
}

// ErrUnavailable is a convenience error for FailSubmits.
var ErrUnavailable = errors.New("fake provider unavailable")

var _ provider.Provider = (*Provider)(nil)
