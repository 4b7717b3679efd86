// Package pipeline defines the stage interface the execution engine drives,
// image decoding with validation limits, and the registry of named pipelines.
// Stages are pure with respect to shared state: each execution owns its
// input and every intermediate image exclusively.
package pipeline
