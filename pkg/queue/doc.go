// Package queue implements the queue manager: work-item ingress, status
// transitions, and FIFO-within-priority dispatch over the persistence
// gateway.
package queue
