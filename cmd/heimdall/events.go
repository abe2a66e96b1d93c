package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/mkarlsen/heimdall/internal/orchestrator"
)

// streamEvents prints orchestrator events to w as they arrive. The returned
// channel closes once the emitter's channel is closed and drained; callers
// close the emitter after the run finishes and wait on it so no progress
// line is lost.
func streamEvents(w io.Writer, emitter *orchestrator.EventEmitter) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range emitter.Events() {
			if line := formatEvent(event); line != "" {
				fmt.Fprintln(w, line)
			}
		}
	}()
	return done
}

// formatEvent renders one progress line for an event, or "" for events the
// run command does not surface (terminal outcomes are printed separately).
func formatEvent(event orchestrator.Event) string {
	faint := color.New(color.Faint).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	switch event.Type {
	case orchestrator.EventRunResumed:
		return fmt.Sprintf("%s resuming at %s (attempt %d)", faint("·"), event.Phase, event.Attempt)
	case orchestrator.EventPhaseStarted:
		return fmt.Sprintf("%s %s...", faint("·"), event.Phase)
	case orchestrator.EventPhaseCompleted:
		return fmt.Sprintf("%s %s done", color.GreenString("✓"), event.Phase)
	case orchestrator.EventPhaseSkipped:
		return fmt.Sprintf("%s %s already committed, skipping", faint("·"), event.Phase)
	case orchestrator.EventWorkerFailed:
		return fmt.Sprintf("%s worker %s failed: %s", yellow("!"), event.WorkerID, event.Message)
	case orchestrator.EventReviseRequested:
		return fmt.Sprintf("%s validation requested revisions (attempt %d)", yellow("↻"), event.Attempt)
	case orchestrator.EventCeilingForced:
		return fmt.Sprintf("%s revise ceiling reached, forcing approval with caveat", yellow("!"))
	case orchestrator.EventAwaitingReview:
		return fmt.Sprintf("%s awaiting human review", yellow("●"))
	case orchestrator.EventReviewReceived:
		return fmt.Sprintf("%s review decision received", color.GreenString("✓"))
	default:
		return ""
	}
}
