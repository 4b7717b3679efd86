// Package gateway owns the process lifecycle around the execution path: it
// sizes the admission controller at startup, runs the guard-admit-execute-
// record sequence for every submission, reports health, and drains in-flight
// work on shutdown without dropping it.
package gateway
