package model

import "time"

// SyncIntervals holds the polling cadence for an account, in seconds.
// Active accounts (recently interacted with) poll faster.
type SyncIntervals struct {
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}

// FolderSyncOptions tunes per-folder reconciliation behavior.
type FolderSyncOptions struct {
	// DeepFolderScan is how often (in seconds) a folder gets a full-range
	// UID/flag scan instead of an incremental one.
	DeepFolderScan int `json:"deepFolderScan"`
}

// SyncPolicy is the per-account sync policy document. It is stored as JSON
// on the account row and is readable/updatable through the API.
type SyncPolicy struct {
	Intervals         SyncIntervals     `json:"intervals"`
	FolderSyncOptions FolderSyncOptions `json:"folderSyncOptions"`
}

// DefaultSyncPolicy returns the policy applied to accounts that have none.
func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{
		Intervals: SyncIntervals{
			Active:   30,
			Inactive: 300,
		},
		FolderSyncOptions: FolderSyncOptions{
			DeepFolderScan: 600,
		},
	}
}

// Account is one mailbox account in the shared store. Its mirror data lives
// in an isolated per-account database.
type Account struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	IMAPHost string `json:"imapHost"`
	IMAPPort string `json:"imapPort"`
	TLS      bool   `json:"tls"`

	// CredentialKey references the account password in the system keyring;
	// the store never holds the secret itself.
	CredentialKey string `json:"-"`

	SyncPolicy SyncPolicy `json:"syncPolicy"`

	// SyncError holds the last fatal sync error as a JSON payload. Empty
	// when the account is healthy. Cleared at the start of every pass.
	SyncError string `json:"syncError,omitempty"`

	// LastSyncCompletions is a rolling window of recent successful pass
	// timestamps, newest first.
	LastSyncCompletions []time.Time `json:"lastSyncCompletions"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Errored reports whether the account is carrying a fatal sync error.
func (a *Account) Errored() bool {
	return a.SyncError != ""
}
