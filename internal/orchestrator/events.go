package orchestrator

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/mkarlsen/heimdall/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventRunStarted indicates a new run has been created and persisted.
	EventRunStarted EventType = "run_started"
	// EventRunResumed indicates a run was loaded from the store and is
	// being driven again.
	EventRunResumed EventType = "run_resumed"
	// EventPhaseStarted indicates a phase began executing.
	EventPhaseStarted EventType = "phase_started"
	// EventPhaseCompleted indicates a phase's output was committed.
	EventPhaseCompleted EventType = "phase_completed"
	// EventPhaseSkipped indicates a phase's committed output was reused on
	// resume instead of re-executing.
	EventPhaseSkipped EventType = "phase_skipped"
	// EventWorkerFailed indicates a single worker failed without failing
	// its stage.
	EventWorkerFailed EventType = "worker_failed"
	// EventReviseRequested indicates validation sent the run back to
	// synthesis with feedback.
	EventReviseRequested EventType = "revise_requested"
	// EventCeilingForced indicates the revise ceiling forced approval.
	EventCeilingForced EventType = "ceiling_forced"
	// EventAwaitingReview indicates the run is blocked on human review.
	EventAwaitingReview EventType = "awaiting_review"
	// EventReviewReceived indicates a review decision arrived (or the
	// review timeout produced an implicit approval).
	EventReviewReceived EventType = "review_received"
	// EventRunCompleted indicates the run reached the completed state.
	EventRunCompleted EventType = "run_completed"
	// EventRunFailed indicates the run reached the failed state.
	EventRunFailed EventType = "run_failed"
)

// Event is emitted by the orchestrator as a run progresses. Events are
// advisory: the persisted RunState is the source of truth.
type Event struct {
	Type      EventType
	RunID     string
	Phase     models.Phase
	WorkerID  string
	Attempt   int
	Message   string
	Err       error
	Timestamp time.Time
}

// EventEmitter provides a thread-safe way to emit events to subscribers.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *EventEmitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Try immediate send first
	select {
	case e.events <- event:
		return
	default:
		// Channel full, try with timeout
	}

	select {
	case e.events <- event:
		return
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[orchestrator] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Call only after all emitters have
// stopped.
func (e *EventEmitter) Close() {
	close(e.events)
}
