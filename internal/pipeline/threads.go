package pipeline

import (
	"errors"
	"regexp"
	"strings"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/store"
)

var subjectPrefixes = regexp.MustCompile(`(?i)^((re|fw|fwd|aw|wg|undeliverable|undelivered):\s*)+`)

// CleanSubject strips reply and forward prefixes, including repeated and
// localized ones such as "Re: Fwd: AW:".
func CleanSubject(subject string) string {
	return strings.TrimSpace(subjectPrefixes.ReplaceAllString(strings.TrimSpace(subject), ""))
}

// SubjectKey normalizes a subject for thread matching.
func SubjectKey(subject string) string {
	return strings.ToLower(CleanSubject(subject))
}

// assignThread places the message in a thread: by References and
// In-Reply-To first, then by normalized subject, then a fresh thread.
// The chosen thread's date range is widened to cover the message.
func (p *Pipeline) assignThread(tx *store.Tx, msg *model.Message, existing *model.Message) error {
	// A re-ingested message keeps its thread.
	if existing != nil && existing.ThreadID != "" {
		msg.ThreadID = existing.ThreadID
		return p.touchThread(tx, msg)
	}

	key := SubjectKey(msg.Subject)

	if len(msg.References) > 0 {
		thread, err := tx.FindThreadByReference(msg.References)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if thread != nil {
			msg.ThreadID = thread.ID
			return p.touchThread(tx, msg)
		}
	}

	if key != "" {
		thread, err := tx.FindThreadBySubjectKey(key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if thread != nil {
			msg.ThreadID = thread.ID
			return p.touchThread(tx, msg)
		}
	}

	msg.ThreadID = "t:" + msg.ID
	return p.touchThread(tx, msg)
}

func (p *Pipeline) touchThread(tx *store.Tx, msg *model.Message) error {
	return tx.UpsertThread(model.Thread{
		ID:               msg.ThreadID,
		Subject:          CleanSubject(msg.Subject),
		SubjectKey:       SubjectKey(msg.Subject),
		FirstMessageDate: msg.Date,
		LastMessageDate:  msg.Date,
	})
}
