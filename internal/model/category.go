package model

import "time"

// CategoryRole is the canonical classification of a folder, independent of
// the provider's raw naming.
type CategoryRole string

const (
	RoleInbox   CategoryRole = "inbox"
	RoleSent    CategoryRole = "sent"
	RoleDrafts  CategoryRole = "drafts"
	RoleJunk    CategoryRole = "junk"
	RoleFlagged CategoryRole = "flagged"
	RoleTrash   CategoryRole = "trash"
	RoleSpam    CategoryRole = "spam"
	RoleAll     CategoryRole = "all"

	// RoleNone marks folders with no canonical classification.
	RoleNone CategoryRole = ""
)

// Category mirrors one remote folder or label. Created and deleted only by
// the mailbox reconciler.
type Category struct {
	ID   string       `json:"id"`
	Name string       `json:"name"` // full remote path
	Role CategoryRole `json:"role,omitempty"`

	// UIDValidity is the folder's last observed UIDVALIDITY. A change
	// invalidates every remote UID known for this folder.
	UIDValidity uint32 `json:"-"`

	// LastDeepScan is when the folder last had a full-range UID/flag scan.
	LastDeepScan time.Time `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
}

// MessageUID joins a Message to a Category under a remote UID. A remote UID
// is only meaningful scoped to its category; the pair (category, remote UID)
// is unique.
type MessageUID struct {
	CategoryID string   `json:"categoryId"`
	MessageID  string   `json:"messageId"`
	RemoteUID  uint32   `json:"remoteUid"`
	Flags      []string `json:"flags"`
}
