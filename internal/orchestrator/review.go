package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mkarlsen/heimdall/pkg/models"
)

// ReviewRequest is presented to the human reviewer: the synthesis output
// under review plus the feedback history that shaped it.
type ReviewRequest struct {
	RunID           string                `json:"run_id"`
	Ticker          string                `json:"ticker"`
	AttemptCount    int                   `json:"attempt_count"`
	Synthesis       models.PhaseOutput    `json:"synthesis"`
	FeedbackHistory []models.FeedbackItem `json:"feedback_history,omitempty"`
	// ForcedApproval is set when the revise ceiling pushed the run here
	// with an approve-with-caveat.
	ForcedApproval bool `json:"forced_approval,omitempty"`
}

// ReviewDecision is the reviewer's answer: an approval signal or a
// structured feedback payload, both of which move the run to finalize.
type ReviewDecision struct {
	Approved bool                  `json:"approved"`
	Feedback []models.FeedbackItem `json:"feedback,omitempty"`
	// TimedOut marks an implicit approval produced by the review timeout.
	TimedOut   bool      `json:"timed_out,omitempty"`
	Reviewer   string    `json:"reviewer,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Reviewer is the human-review boundary. Await blocks until a decision
// arrives, the reviewer's timeout produces an implicit approval, or ctx is
// cancelled. human_review is the only phase allowed to wait on an external,
// unbounded-latency actor.
type Reviewer interface {
	Await(ctx context.Context, req ReviewRequest) (ReviewDecision, error)
}

// AutoApprover approves every request after an optional delay. With zero
// delay it approves immediately; it is the default reviewer.
type AutoApprover struct {
	Delay time.Duration
}

// Await returns an implicit approval once the delay elapses.
func (a *AutoApprover) Await(ctx context.Context, req ReviewRequest) (ReviewDecision, error) {
	if a.Delay > 0 {
		timer := time.NewTimer(a.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ReviewDecision{}, ctx.Err()
		case <-timer.C:
		}
	}
	return ReviewDecision{
		Approved:   true,
		Reviewer:   "auto",
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// ChannelReviewer routes review requests to an in-process subscriber (a TUI
// or a test) and waits for a submitted decision. A configured timeout with
// no response is treated as implicit approval.
type ChannelReviewer struct {
	// Timeout bounds the wait for a decision. Zero means approve
	// immediately if no decision is already pending.
	Timeout time.Duration

	mu       sync.Mutex
	pending  map[string]chan ReviewDecision
	requests chan ReviewRequest
}

// NewChannelReviewer creates a ChannelReviewer with the given timeout.
func NewChannelReviewer(timeout time.Duration) *ChannelReviewer {
	return &ChannelReviewer{
		Timeout:  timeout,
		pending:  make(map[string]chan ReviewDecision),
		requests: make(chan ReviewRequest, 10),
	}
}

// Requests returns a read-only channel of review requests. Subscribers
// listen on this channel to present reviews to the user.
func (r *ChannelReviewer) Requests() <-chan ReviewRequest {
	return r.requests
}

// Await publishes the request and blocks until a decision is submitted, the
// timeout elapses (implicit approval), or ctx is cancelled.
func (r *ChannelReviewer) Await(ctx context.Context, req ReviewRequest) (ReviewDecision, error) {
	responseCh := make(chan ReviewDecision, 1)

	r.mu.Lock()
	r.pending[req.RunID] = responseCh
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, req.RunID)
		r.mu.Unlock()
	}()

	select {
	case r.requests <- req:
	default:
		// No subscriber draining requests; the timeout still applies.
	}

	timer := time.NewTimer(r.Timeout)
	defer timer.Stop()

	select {
	case decision := <-responseCh:
		decision.Reviewer = "user"
		decision.ReceivedAt = time.Now().UTC()
		return decision, nil
	case <-timer.C:
		return ReviewDecision{
			Approved:   true,
			TimedOut:   true,
			Reviewer:   "auto",
			ReceivedAt: time.Now().UTC(),
		}, nil
	case <-ctx.Done():
		return ReviewDecision{}, ctx.Err()
	}
}

// Submit delivers a decision for a pending review. It is a no-op when no
// review is waiting for the run.
func (r *ChannelReviewer) Submit(runID string, decision ReviewDecision) {
	r.mu.Lock()
	ch, exists := r.pending[runID]
	r.mu.Unlock()

	if exists {
		select {
		case ch <- decision:
		default:
			// Decision already submitted.
		}
	}
}

// HasPending reports whether a review is waiting for the run.
func (r *ChannelReviewer) HasPending(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.pending[runID]
	return exists
}

// FileReviewer waits for a decision file to appear at
// <dir>/<run_id>.json, written by `heimdall feedback`. The file must decode
// to a ReviewDecision (approved flag and/or feedback items). A configured
// timeout with no file is treated as implicit approval.
type FileReviewer struct {
	// Dir is the directory watched for decision files.
	Dir string
	// Timeout bounds the wait. Zero means approve immediately unless a
	// decision file already exists.
	Timeout time.Duration
}

// DecisionPath returns the decision file path for a run.
func (r *FileReviewer) DecisionPath(runID string) string {
	return filepath.Join(r.Dir, runID+".json")
}

// Await blocks until the decision file appears, the timeout elapses, or ctx
// is cancelled. Request details are written alongside the expected decision
// file so the reviewer can see what they are approving.
func (r *FileReviewer) Await(ctx context.Context, req ReviewRequest) (ReviewDecision, error) {
	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		return ReviewDecision{}, fmt.Errorf("create feedback directory: %w", err)
	}

	// Publish the request for the reviewer to inspect.
	reqBlob, err := json.MarshalIndent(req, "", "  ")
	if err == nil {
		reqPath := filepath.Join(r.Dir, req.RunID+".request.json")
		if werr := os.WriteFile(reqPath, reqBlob, 0644); werr != nil {
			log.Printf("[review] warning: write review request %s: %v", reqPath, werr)
		}
	}

	path := r.DecisionPath(req.RunID)

	// A decision may already be on disk from a previous wait.
	if decision, ok := r.readDecision(path); ok {
		return decision, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return ReviewDecision{}, fmt.Errorf("create feedback watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.Dir); err != nil {
		return ReviewDecision{}, fmt.Errorf("watch feedback directory: %w", err)
	}

	// Re-check after the watch is in place to close the race with a file
	// written between the first stat and watcher.Add.
	if decision, ok := r.readDecision(path); ok {
		return decision, nil
	}

	timer := time.NewTimer(r.Timeout)
	defer timer.Stop()

	for {
		select {
		case event := <-watcher.Events:
			if event.Name != path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if decision, ok := r.readDecision(path); ok {
				return decision, nil
			}
		case err := <-watcher.Errors:
			log.Printf("[review] watcher error: %v", err)
		case <-timer.C:
			return ReviewDecision{
				Approved:   true,
				TimedOut:   true,
				Reviewer:   "auto",
				ReceivedAt: time.Now().UTC(),
			}, nil
		case <-ctx.Done():
			return ReviewDecision{}, ctx.Err()
		}
	}
}

// readDecision parses a decision file. Returns ok=false for a missing or
// partially written file (the next write event retries).
func (r *FileReviewer) readDecision(path string) (ReviewDecision, bool) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return ReviewDecision{}, false
	}

	var decision ReviewDecision
	if err := json.Unmarshal(blob, &decision); err != nil {
		log.Printf("[review] ignoring malformed decision file %s: %v", path, err)
		return ReviewDecision{}, false
	}

	decision.Reviewer = "user"
	if decision.ReceivedAt.IsZero() {
		decision.ReceivedAt = time.Now().UTC()
	}
	return decision, true
}
