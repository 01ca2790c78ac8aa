package syncback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/remote"
	"github.com/nhle/mailmirror/internal/store"
)

// Request type names accepted by the queue.
const (
	TypeMarkThreadRead   = "MarkThreadRead"
	TypeMarkThreadUnread = "MarkThreadUnread"
	TypeSetMessageFlags  = "SetMessageFlags"
	TypeMoveMessage      = "MoveMessageToFolder"
	TypeDeleteMessage    = "DeleteMessage"
)

// Result is what a successfully completed task hands back: an optional
// response payload for the API, and the local mutations that mirror what
// the remote call already did. Apply runs in the same transaction that
// marks the request SUCCEEDED, so the mirror never reflects a change the
// server rejected.
type Result struct {
	Response any
	Apply    func(tx *store.Tx) error
}

// Task is one unit of local-to-remote propagation. Run performs the
// remote side only; local effects go through Result.Apply.
type Task interface {
	// Describe names the task for logs.
	Describe() string

	// Retryable reports whether a failed attempt may be retried. Tasks
	// whose partial application is ambiguous (moves, deletes) are not.
	Retryable() bool

	// AffectsRemoteUIDs reports whether success changes UID assignments,
	// forcing the next pass to re-reconcile affected folders.
	AffectsRemoteUIDs() bool

	Run(ctx context.Context, mirror *store.Mirror, client remote.Client) (*Result, error)
}

// NewTask builds a task from a queued request's type and props.
func NewTask(req model.SyncbackRequest) (Task, error) {
	switch req.Type {
	case TypeMarkThreadRead:
		var props threadProps
		if err := json.Unmarshal(req.Props, &props); err != nil {
			return nil, fmt.Errorf("decoding %s props: %w", req.Type, err)
		}
		return &markThreadTask{threadID: props.ThreadID, read: true}, nil
	case TypeMarkThreadUnread:
		var props threadProps
		if err := json.Unmarshal(req.Props, &props); err != nil {
			return nil, fmt.Errorf("decoding %s props: %w", req.Type, err)
		}
		return &markThreadTask{threadID: props.ThreadID, read: false}, nil
	case TypeSetMessageFlags:
		var props flagProps
		if err := json.Unmarshal(req.Props, &props); err != nil {
			return nil, fmt.Errorf("decoding %s props: %w", req.Type, err)
		}
		return &setFlagsTask{props: props}, nil
	case TypeMoveMessage:
		var props moveProps
		if err := json.Unmarshal(req.Props, &props); err != nil {
			return nil, fmt.Errorf("decoding %s props: %w", req.Type, err)
		}
		return &moveMessageTask{props: props}, nil
	case TypeDeleteMessage:
		var props messageProps
		if err := json.Unmarshal(req.Props, &props); err != nil {
			return nil, fmt.Errorf("decoding %s props: %w", req.Type, err)
		}
		return &deleteMessageTask{messageID: props.MessageID}, nil
	default:
		return nil, fmt.Errorf("unknown syncback type %q", req.Type)
	}
}

type threadProps struct {
	ThreadID string `json:"threadId"`
}

type messageProps struct {
	MessageID string `json:"messageId"`
}

type flagProps struct {
	MessageID string   `json:"messageId"`
	Add       []string `json:"add,omitempty"`
	Remove    []string `json:"remove,omitempty"`
}

type moveProps struct {
	MessageID    string `json:"messageId"`
	TargetFolder string `json:"targetFolder"`
}
