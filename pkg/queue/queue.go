package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/forge/pkg/apierr"
	"github.com/cuemby/forge/pkg/log"
	"github.com/cuemby/forge/pkg/storage"
	"github.com/cuemby/forge/pkg/types"
)

// AddRequest is the caller-supplied payload for Manager.Add.
type AddRequest struct {
	Repo          string
	Branch        string
	Spec          string
	Description   string
	Priority      types.Priority
	MaxIterations int
	Metadata      json.RawMessage
	Type          types.WorkItemType
}

// Manager is the queue manager: work-item ingress, status transitions, and
// priority-ordered dispatch over the persistence gateway.
type Manager struct {
	gw     storage.Gateway
	logger zerolog.Logger
}

// NewManager builds a queue manager bound to gw.
func NewManager(gw storage.Gateway) *Manager {
	return &Manager{gw: gw, logger: log.WithComponent("queue")}
}

// Add inserts a work item with status=queued, or status=pending_generation
// when the caller supplies only a description and no spec.
func (m *Manager) Add(ctx context.Context, req AddRequest) (*types.WorkItem, error) {
	if req.Repo == "" {
		return nil, apierr.Validation("repo is required")
	}
	if req.Spec == "" && req.Description == "" {
		return nil, apierr.Validation("one of spec or description is required")
	}

	priority := req.Priority
	if priority == "" {
		priority = types.PriorityMedium
	}
	maxIterations := req.MaxIterations
	if maxIterations == 0 {
		maxIterations = 10
	}
	itemType := req.Type
	if itemType == "" {
		itemType = types.WorkItemExecution
	}

	status := types.WorkItemQueued
	if req.Spec == "" {
		status = types.WorkItemPendingGeneration
	}

	item := &types.WorkItem{
		ID:            uuid.NewString(),
		Repo:          req.Repo,
		Branch:        req.Branch,
		Spec:          req.Spec,
		Priority:      priority,
		Status:        status,
		MaxIterations: maxIterations,
		MaxRetries:    3,
		Metadata:      req.Metadata,
		Type:          itemType,
	}
	if req.Description != "" {
		item.Description = &req.Description
	}

	if err := m.gw.CreateWorkItem(ctx, item); err != nil {
		return nil, fmt.Errorf("create work item: %w", err)
	}
	m.logger.Info().Str("work_item_id", item.ID).Str("status", string(item.Status)).Msg("work item added")
	return item, nil
}

// Get returns the work item or a NOT_FOUND error.
func (m *Manager) Get(ctx context.Context, id string) (*types.WorkItem, error) {
	return m.gw.GetWorkItem(ctx, id)
}

// List returns all items, optionally filtered by status, ordered
// (priority DESC, createdAt ASC).
func (m *Manager) List(ctx context.Context, statusFilter string) ([]*types.WorkItem, error) {
	return m.gw.ListWorkItems(ctx, statusFilter)
}

// UpdateSpec implements the pending_generation -> queued handoff: the spec
// generator writes back spec and branch in one statement.
func (m *Manager) UpdateSpec(ctx context.Context, id, spec, branch string) error {
	if spec == "" {
		return apierr.Validation("spec is required")
	}
	return m.gw.UpdateWorkItemSpec(ctx, id, spec, branch)
}

// Cancel transitions queued->cancelled only.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := m.gw.CancelWorkItem(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, apierr.InvalidState("work item is not cancellable")
	}
	return true, nil
}

// GetNext atomically selects, dispatches, and returns the highest-priority
// oldest-queued eligible item, or nil if none are ready.
func (m *Manager) GetNext(ctx context.Context) (*types.WorkItem, error) {
	return m.gw.DispatchNextWorkItem(ctx)
}

// Requeue returns a work item to the queue after a failed attempt,
// computing nextRetryAt from exponential backoff.
func (m *Manager) Requeue(ctx context.Context, id string, retryCount int) error {
	next := time.Now().UTC().Add(backoff(retryCount))
	return m.gw.RequeueWorkItem(ctx, id, &next)
}

// Complete marks a work item completed with an optional PR URL.
func (m *Manager) Complete(ctx context.Context, id string, prURL *string, metadata json.RawMessage) error {
	return m.gw.CompleteWorkItem(ctx, id, prURL, metadata)
}

// Fail marks a work item failed with a human-readable error.
func (m *Manager) Fail(ctx context.Context, id string, cause string) error {
	return m.gw.FailWorkItem(ctx, id, cause)
}

// backoff computes an exponentially growing delay, base=60s, capped at 30m.
func backoff(retryCount int) time.Duration {
	base := 60 * time.Second
	ceiling := 30 * time.Minute
	d := base << retryCount
	if d <= 0 || d > ceiling {
		d = ceiling
	}
	return d
}
