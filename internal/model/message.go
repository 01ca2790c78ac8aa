package model

import "time"

// Address is one parsed participant of a message.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Message mirrors one remote message's content. A single Message may be
// visible through multiple categories; it survives as long as any
// MessageUID row references it.
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`

	Subject string `json:"subject"`
	Snippet string `json:"snippet"`
	Body    string `json:"body"`

	// HeaderMessageID is the RFC 5322 Message-ID header value, without
	// angle brackets. May be empty for malformed messages.
	HeaderMessageID string `json:"headerMessageId"`

	// References lists the message-ids from the References and In-Reply-To
	// headers, used for thread detection.
	References []string `json:"references,omitempty"`

	From []Address `json:"from"`
	To   []Address `json:"to"`
	Cc   []Address `json:"cc,omitempty"`
	Bcc  []Address `json:"bcc,omitempty"`

	Date time.Time `json:"date"`

	// PipelineVersion stamps which ingestion pipeline version produced
	// this row, so upgrades can detect and re-process stale mirrors.
	PipelineVersion int `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Thread aggregates related messages. A message belongs to exactly one
// thread.
type Thread struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`

	// SubjectKey is the normalized subject (reply/forward prefixes
	// stripped, lowercased) used for subject-based matching.
	SubjectKey string `json:"-"`

	FirstMessageDate time.Time `json:"firstMessageDate"`
	LastMessageDate  time.Time `json:"lastMessageDate"`
}

// Contact is a deduplicated (email, name) pair for one account. Upserted by
// the ingestion pipeline and never deleted.
type Contact struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}
