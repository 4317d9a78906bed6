// Package scheduler implements the supervisory loop: a ticker-driven
// reaper-then-dispatcher that sweeps stale workers and, while capacity
// allows, hands queued work items to the worker manager.
package scheduler
