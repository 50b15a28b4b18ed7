// Package server serves the admin endpoint of an IPC process: a liveness
// check on /healthz, Prometheus metrics on /metrics and a JSON view of the
// broker and its channels on /status.
package server
