// Package sandbox drives the containerd runtime that hosts coding-agent
// workers: image pull, create, start, stop, delete, and status lookup for
// the worker manager's spawn/kill lifecycle.
package sandbox
