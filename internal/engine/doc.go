// Package engine runs admitted work units end to end: it drives the stage
// pipeline on a bounded worker pool, enforces one deadline per run, records
// per-stage and total timings, and converts stage failures and panics into
// typed errors instead of letting them take the process down.
package engine
