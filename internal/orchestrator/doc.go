// Package orchestrator drives Heimdall analysis runs through the fixed
// phase sequence: planning, parallel analysis, synthesis, validation with a
// bounded revise loop, human review, and finalize. It owns the phase state
// machine, the per-stage fan-out executor, the worker registry, and the run
// controller; domain workers plug in behind the Worker contract and durable
// progress lives in the checkpoint store.
package orchestrator
