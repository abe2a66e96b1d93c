// Package analysis provides the built-in workers for the company analysis
// pipeline: a planner, the domain analysts, the report synthesizer, the
// validator, and the final-delivery writer. Each is a plain
// orchestrator.Worker; deployments swap in their own implementations by
// registering different workers for the same stages.
package analysis
