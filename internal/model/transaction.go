package model

import "time"

// TransactionEvent is the kind of mutation a Transaction records.
type TransactionEvent string

const (
	EventCreate TransactionEvent = "create"
	EventModify TransactionEvent = "modify"
	EventDelete TransactionEvent = "delete"
)

// Transaction is one append-only change-log row. The monotonically
// increasing ID is the delta-feed cursor. Rows are never updated or deleted.
type Transaction struct {
	ID            int64            `json:"id"`
	Cursor        int64            `json:"cursor"` // always equal to ID
	Event         TransactionEvent `json:"event"`
	Object        string           `json:"object"`
	ObjectID      string           `json:"objectId"`
	ChangedFields []string         `json:"changedFields,omitempty"`
	AccountID     string           `json:"accountId"`
	CreatedAt     time.Time        `json:"createdAt"`
}
