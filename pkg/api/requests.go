package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/cuemby/forge/pkg/apierr"
)

var validate = validator.New()

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apierr.Validation("malformed JSON body")
	}
	if err := validate.Struct(dst); err != nil {
		return apierr.Validation("request validation failed").WithDetails(err.Error())
	}
	return nil
}

// addWorkRequest is the body of POST /api/work.
type addWorkRequest struct {
	Repo          string          `json:"repo" validate:"required"`
	Branch        string          `json:"branch"`
	Spec          string          `json:"spec"`
	Description   string          `json:"description"`
	Priority      string          `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	MaxIterations int             `json:"maxIterations" validate:"gte=0"`
	Metadata      json.RawMessage `json:"metadata"`
	Type          string          `json:"type" validate:"omitempty,oneof=execution verification"`
}

// updateSpecRequest is the body of PATCH /api/work/{id}/spec.
type updateSpecRequest struct {
	Spec   string `json:"spec" validate:"required"`
	Branch string `json:"branch"`
}

// registerWorkerRequest is the body of POST /api/worker/register.
type registerWorkerRequest struct {
	WorkItemID string `json:"workItemId" validate:"required"`
}

// heartbeatRequest is the body of POST /api/worker/{id}/heartbeat.
type heartbeatRequest struct {
	Iteration int `json:"iteration" validate:"gte=0"`
}

// lockRequest is the body of POST /api/worker/{id}/lock and /unlock.
type lockRequest struct {
	Files []string `json:"files" validate:"required,min=1,dive,required"`
}

// completeRequest is the body of POST /api/worker/{id}/complete. Verdict is
// only meaningful for verification-mode work items, which store a judged
// verdict in metadata instead of setting a PR URL.
type completeRequest struct {
	PRUrl     *string              `json:"prUrl"`
	Verdict   json.RawMessage      `json:"verdict"`
	Metrics   *completeMetricsBody `json:"metrics"`
	Learnings []string             `json:"learnings"`
}

type completeMetricsBody struct {
	TokensIn      int64   `json:"tokensIn"`
	TokensOut     int64   `json:"tokensOut"`
	Duration      float64 `json:"duration"`
	FilesModified int     `json:"filesModified"`
	TestsRun      int     `json:"testsRun"`
	TestsPassed   int     `json:"testsPassed"`
	TestsFailed   int     `json:"testsFailed"`
	TestStatus    string  `json:"testStatus"`
}

// failRequest is the body of POST /api/worker/{id}/fail.
type failRequest struct {
	Error     string `json:"error" validate:"required"`
	Iteration int    `json:"iteration" validate:"gte=0"`
}

// stuckRequest is the body of POST /api/worker/{id}/stuck.
type stuckRequest struct {
	Reason   string `json:"reason" validate:"required"`
	Attempts int    `json:"attempts" validate:"gte=0"`
}

// killRequest is the body of POST /api/workers/{id}/kill.
type killRequest struct {
	Reason string `json:"reason"`
}
