package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOverrideExpiryDigest reports permission and feature overrides
	// that are about to lapse, so admins can renew intentional exceptions
	// before the evaluator starts ignoring them.
	TaskOverrideExpiryDigest = "authz:override_expiry_digest"
)

// OverrideExpiryDigestPayload configures the digest lookahead.
type OverrideExpiryDigestPayload struct {
	WindowHours int `json:"window_hours"`
}

// NewOverrideExpiryDigestTask constructs an Asynq task.
func NewOverrideExpiryDigestTask(window time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(OverrideExpiryDigestPayload{WindowHours: int(window.Hours())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverrideExpiryDigest, data), nil
}
