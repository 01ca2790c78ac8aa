package syncback

import (
	"context"
	"fmt"

	"github.com/nhle/mailmirror/internal/remote"
	"github.com/nhle/mailmirror/internal/store"
)

const flagSeen = "\\Seen"

// markThreadTask flips \Seen on every message of a thread, everywhere the
// thread's messages appear remotely.
type markThreadTask struct {
	threadID string
	read     bool
}

func (t *markThreadTask) Describe() string {
	if t.read {
		return fmt.Sprintf("mark thread %s read", t.threadID)
	}
	return fmt.Sprintf("mark thread %s unread", t.threadID)
}

func (t *markThreadTask) Retryable() bool         { return true }
func (t *markThreadTask) AffectsRemoteUIDs() bool { return false }

func (t *markThreadTask) Run(ctx context.Context, mirror *store.Mirror, client remote.Client) (*Result, error) {
	ids, err := mirror.MessageIDsInThread(ctx, t.threadID)
	if err != nil {
		return nil, err
	}

	var locs []store.MessageLocation
	for _, id := range ids {
		msgLocs, err := mirror.LocationsOfMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		locs = append(locs, msgLocs...)
	}

	// Group UIDs per folder so each folder needs one STORE round trip.
	byFolder := make(map[string][]uint32)
	for _, loc := range locs {
		byFolder[loc.CategoryName] = append(byFolder[loc.CategoryName], loc.RemoteUID)
	}
	for folder, uids := range byFolder {
		if t.read {
			err = client.AddFlags(ctx, folder, uids, []string{flagSeen})
		} else {
			err = client.RemoveFlags(ctx, folder, uids, []string{flagSeen})
		}
		if err != nil {
			return nil, err
		}
	}

	return &Result{
		Response: map[string]int{"messagesUpdated": len(ids)},
		Apply: func(tx *store.Tx) error {
			add, remove := flagDelta(t.read)
			for _, loc := range locs {
				flags := applyFlagDelta(loc.Flags, add, remove)
				if err := tx.UpdateUIDFlags(loc.CategoryID, loc.RemoteUID, flags); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

func flagDelta(read bool) (add, remove []string) {
	if read {
		return []string{flagSeen}, nil
	}
	return nil, []string{flagSeen}
}

// setFlagsTask adds and removes arbitrary flags on one message.
type setFlagsTask struct {
	props flagProps
}

func (t *setFlagsTask) Describe() string {
	return fmt.Sprintf("set flags on message %s", t.props.MessageID)
}

func (t *setFlagsTask) Retryable() bool         { return true }
func (t *setFlagsTask) AffectsRemoteUIDs() bool { return false }

func (t *setFlagsTask) Run(ctx context.Context, mirror *store.Mirror, client remote.Client) (*Result, error) {
	locs, err := mirror.LocationsOfMessage(ctx, t.props.MessageID)
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, &remote.PermanentError{Op: "set flags", Err: fmt.Errorf("message %s has no remote locations", t.props.MessageID)}
	}

	for _, loc := range locs {
		if len(t.props.Add) > 0 {
			if err := client.AddFlags(ctx, loc.CategoryName, []uint32{loc.RemoteUID}, t.props.Add); err != nil {
				return nil, err
			}
		}
		if len(t.props.Remove) > 0 {
			if err := client.RemoveFlags(ctx, loc.CategoryName, []uint32{loc.RemoteUID}, t.props.Remove); err != nil {
				return nil, err
			}
		}
	}

	return &Result{
		Apply: func(tx *store.Tx) error {
			for _, loc := range locs {
				flags := applyFlagDelta(loc.Flags, t.props.Add, t.props.Remove)
				if err := tx.UpdateUIDFlags(loc.CategoryID, loc.RemoteUID, flags); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

// moveMessageTask moves every remote copy of a message into one folder.
// Not retryable: a failure mid-move leaves an unknown mix of old and new
// locations, which only a fresh reconciliation can untangle.
type moveMessageTask struct {
	props moveProps
}

func (t *moveMessageTask) Describe() string {
	return fmt.Sprintf("move message %s to %s", t.props.MessageID, t.props.TargetFolder)
}

func (t *moveMessageTask) Retryable() bool         { return false }
func (t *moveMessageTask) AffectsRemoteUIDs() bool { return true }

func (t *moveMessageTask) Run(ctx context.Context, mirror *store.Mirror, client remote.Client) (*Result, error) {
	locs, err := mirror.LocationsOfMessage(ctx, t.props.MessageID)
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, &remote.PermanentError{Op: "move message", Err: fmt.Errorf("message %s has no remote locations", t.props.MessageID)}
	}

	var moved []store.MessageLocation
	for _, loc := range locs {
		if loc.CategoryName == t.props.TargetFolder {
			continue
		}
		if err := client.MoveMessage(ctx, loc.CategoryName, loc.RemoteUID, t.props.TargetFolder); err != nil {
			return nil, err
		}
		moved = append(moved, loc)
	}

	return &Result{
		Response: map[string]any{"moved": len(moved), "targetFolder": t.props.TargetFolder},
		Apply: func(tx *store.Tx) error {
			// The server assigned new UIDs we cannot know yet; drop the old
			// rows and let the next reconciliation pick up the new ones.
			for _, loc := range moved {
				if err := tx.DeleteMessageUID(loc.CategoryID, loc.RemoteUID); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

// deleteMessageTask flags every remote copy \Deleted. Like moves, partial
// application is ambiguous, so it is not retried.
type deleteMessageTask struct {
	messageID string
}

func (t *deleteMessageTask) Describe() string {
	return fmt.Sprintf("delete message %s", t.messageID)
}

func (t *deleteMessageTask) Retryable() bool         { return false }
func (t *deleteMessageTask) AffectsRemoteUIDs() bool { return true }

func (t *deleteMessageTask) Run(ctx context.Context, mirror *store.Mirror, client remote.Client) (*Result, error) {
	locs, err := mirror.LocationsOfMessage(ctx, t.messageID)
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, &remote.PermanentError{Op: "delete message", Err: fmt.Errorf("message %s has no remote locations", t.messageID)}
	}

	for _, loc := range locs {
		if err := client.AddFlags(ctx, loc.CategoryName, []uint32{loc.RemoteUID}, []string{"\\Deleted"}); err != nil {
			return nil, err
		}
	}

	return &Result{
		Apply: func(tx *store.Tx) error {
			for _, loc := range locs {
				if err := tx.DeleteMessageUID(loc.CategoryID, loc.RemoteUID); err != nil {
					return err
				}
			}
			return tx.PruneOrphanedMessages()
		},
	}, nil
}

// applyFlagDelta returns flags with add applied and remove taken away,
// preserving order of the survivors.
func applyFlagDelta(flags, add []string, removeSets ...[]string) []string {
	drop := make(map[string]bool)
	for _, set := range removeSets {
		for _, f := range set {
			drop[f] = true
		}
	}
	out := make([]string, 0, len(flags)+len(add))
	have := make(map[string]bool)
	for _, f := range flags {
		if drop[f] || have[f] {
			continue
		}
		have[f] = true
		out = append(out, f)
	}
	for _, f := range add {
		if drop[f] || have[f] {
			continue
		}
		have[f] = true
		out = append(out, f)
	}
	return out
}
