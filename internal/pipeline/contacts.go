package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/store"
)

// maxAddressOctets is the RFC 5321 ceiling on address length; anything
// longer is machine-generated noise.
const maxAddressOctets = 254

var automatedSender = regexp.MustCompile(`(?i)(^|[._-])(noreply|no-reply|no_reply|donotreply|mailer|postmaster|bounce|bounces)([._\-@]|$)`)

// IsAutomatedSender reports whether the address looks machine-generated
// and should be kept out of the contact book.
func IsAutomatedSender(email string) bool {
	if len(email) > maxAddressOctets {
		return true
	}
	local, _, ok := strings.Cut(email, "@")
	if !ok {
		return true
	}
	return automatedSender.MatchString(local)
}

// extractContacts upserts a contact for every human-looking participant.
func (p *Pipeline) extractContacts(tx *store.Tx, msg *model.Message) error {
	seen := make(map[string]bool)
	for _, addrs := range [][]model.Address{msg.From, msg.To, msg.Cc, msg.Bcc} {
		for _, a := range addrs {
			email := strings.ToLower(strings.TrimSpace(a.Email))
			if email == "" || seen[email] || IsAutomatedSender(email) {
				continue
			}
			seen[email] = true
			err := tx.UpsertContact(model.Contact{
				ID:    contactID(p.accountID, email),
				Email: email,
				Name:  strings.TrimSpace(a.Name),
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func contactID(accountID, email string) string {
	h := sha256.Sum256([]byte(accountID + "|contact|" + email))
	return hex.EncodeToString(h[:])
}
