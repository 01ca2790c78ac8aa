package model

import (
	"encoding/json"
	"time"
)

// SyncbackStatus is the state of a queued write-back action.
type SyncbackStatus string

const (
	SyncbackNew                   SyncbackStatus = "NEW"
	SyncbackInProgressRetryable   SyncbackStatus = "INPROGRESS-RETRYABLE"
	SyncbackInProgressNoRetryable SyncbackStatus = "INPROGRESS-NOTRETRYABLE"
	SyncbackSucceeded             SyncbackStatus = "SUCCEEDED"
	SyncbackFailed                SyncbackStatus = "FAILED"
	SyncbackCancelled             SyncbackStatus = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal requests are never
// mutated again.
func (s SyncbackStatus) Terminal() bool {
	switch s {
	case SyncbackSucceeded, SyncbackFailed, SyncbackCancelled:
		return true
	}
	return false
}

// SyncbackRequest is one queued local action that must be mirrored to the
// remote server before its local mutation commits.
type SyncbackRequest struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Props  json.RawMessage `json:"props"`
	Status SyncbackStatus  `json:"status"`

	// Error records the failure that made the request FAILED.
	Error string `json:"error,omitempty"`

	// ResponseJSON carries any payload the remote operation produced.
	ResponseJSON json.RawMessage `json:"responseJson,omitempty"`

	// Attempts counts remote attempts made so far.
	Attempts int `json:"attempts"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
