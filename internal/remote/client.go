package remote

import (
	"context"
	"time"
)

// Mailbox is one node of the remote mailbox tree. Some servers report a
// flat list of full paths (Children empty); others nest.
type Mailbox struct {
	Name      string
	Delimiter string
	Attrs     []string // special-use attributes, e.g. "\Sent"
	Children  []Mailbox
}

// UIDAttr is the lightweight (UID, flags) attribute pair fetched during a
// reconciliation scan.
type UIDAttr struct {
	UID   uint32
	Flags []string
}

// FetchedMessage is a full message body pulled for ingestion.
type FetchedMessage struct {
	UID          uint32
	Flags        []string
	Raw          []byte
	InternalDate time.Time
}

// Client is the transport-level protocol collaborator. Implementations must
// surface failures through the Retryable/Permanent taxonomy so callers can
// decide between backoff and giving up.
type Client interface {
	// ListMailboxes returns the remote mailbox tree.
	ListMailboxes(ctx context.Context) ([]Mailbox, error)

	// FetchUIDAttrs selects the folder and fetches (UID, flags) for every
	// message in it. It also returns the folder's UIDVALIDITY.
	FetchUIDAttrs(ctx context.Context, folder string) (uidValidity uint32, attrs []UIDAttr, err error)

	// FetchMessages fetches full message bodies for the given UIDs in the
	// folder. UIDs missing on the server are silently omitted from the
	// result.
	FetchMessages(ctx context.Context, folder string, uids []uint32) ([]FetchedMessage, error)

	// AddFlags adds flags to the given UIDs in the folder.
	AddFlags(ctx context.Context, folder string, uids []uint32, flags []string) error

	// RemoveFlags removes flags from the given UIDs in the folder.
	RemoveFlags(ctx context.Context, folder string, uids []uint32, flags []string) error

	// MoveMessage moves one UID from folder to dest.
	MoveMessage(ctx context.Context, folder string, uid uint32, dest string) error

	// Close terminates the connection. Safe to call more than once.
	Close() error
}
