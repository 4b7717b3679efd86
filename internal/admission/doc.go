// Package admission bounds how many executions may run at once and how many
// callers may wait for a free permit. A caller that cannot get a queue
// position is rejected immediately; a queued caller blocks until a permit
// frees, the context ends, or the controller begins draining.
package admission
