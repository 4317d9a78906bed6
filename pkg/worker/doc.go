// Package worker implements the worker manager: worker records, sandbox
// container lifecycle, heartbeats, and the completion/fail/stuck/kill
// terminal transitions.
package worker
