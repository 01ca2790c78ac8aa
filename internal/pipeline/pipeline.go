package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/store"
)

// Version is stamped on every processed message. Bumping it causes
// already-mirrored messages to be re-run through the pipeline on their
// next deep scan.
const Version = 1

const (
	snippetSize    = 100
	snippetMaxSize = 255
)

// Pipeline turns raw RFC 5322 bytes into mirrored messages, assigns them
// to threads, and extracts contacts. Every stage is idempotent: ingesting
// the same raw message twice leaves the mirror unchanged.
type Pipeline struct {
	accountID string
	logger    *logrus.Entry
}

func New(accountID string, logger *logrus.Entry) *Pipeline {
	return &Pipeline{
		accountID: accountID,
		logger:    logger.WithField("component", "pipeline"),
	}
}

// Ingest parses raw bytes and persists the message, its thread membership,
// and its contacts inside tx. Re-ingesting an already-known message updates
// it in place rather than duplicating it.
func (p *Pipeline) Ingest(tx *store.Tx, raw []byte, internalDate time.Time) (*model.Message, error) {
	msg, err := p.parse(raw, internalDate)
	if err != nil {
		return nil, err
	}

	existing, err := tx.GetMessage(msg.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := p.assignThread(tx, msg, existing); err != nil {
		return nil, err
	}

	if existing != nil {
		msg.CreatedAt = existing.CreatedAt
		if err := tx.UpdateMessage(*msg); err != nil {
			return nil, err
		}
		return msg, nil
	}
	if err := tx.InsertMessage(*msg); err != nil {
		return nil, err
	}
	if err := p.extractContacts(tx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *Pipeline) parse(raw []byte, internalDate time.Time) (*model.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	header := mr.Header

	msg := &model.Message{PipelineVersion: Version}

	if subject, err := header.Subject(); err == nil {
		msg.Subject = subject
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		msg.Date = date.UTC()
	} else {
		msg.Date = internalDate.UTC()
	}
	if id, err := header.MessageID(); err == nil {
		msg.HeaderMessageID = id
	}
	if refs, err := header.MsgIDList("References"); err == nil {
		msg.References = refs
	}
	if irt, err := header.MsgIDList("In-Reply-To"); err == nil {
		for _, id := range irt {
			if !contains(msg.References, id) {
				msg.References = append(msg.References, id)
			}
		}
	}
	msg.From = addressList(header, "From")
	msg.To = addressList(header, "To")
	msg.Cc = addressList(header, "Cc")
	msg.Bcc = addressList(header, "Bcc")

	msg.Body = p.extractBody(mr)
	msg.Snippet = makeSnippet(msg.Body)
	msg.ID = messageID(p.accountID, msg.HeaderMessageID, raw)
	return msg, nil
}

// extractBody walks the MIME parts and returns the first text/plain part,
// falling back to the first text/html part when there is no plain one.
func (p *Pipeline) extractBody(mr *mail.Reader) string {
	var html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed part ends the walk; keep what was read so far.
			p.logger.WithError(err).Debug("stopping body extraction on malformed part")
			break
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, err := inline.ContentType()
		if err != nil {
			continue
		}
		switch mediaType {
		case "text/plain":
			body, err := io.ReadAll(part.Body)
			if err == nil {
				return string(body)
			}
		case "text/html":
			if html == "" {
				body, err := io.ReadAll(part.Body)
				if err == nil {
					html = string(body)
				}
			}
		}
	}
	return stripTags(html)
}

func addressList(header mail.Header, key string) []model.Address {
	list, err := header.AddressList(key)
	if err != nil {
		return nil
	}
	addrs := make([]model.Address, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, model.Address{
			Name:  a.Name,
			Email: strings.ToLower(a.Address),
		})
	}
	return addrs
}

// messageID derives a stable id from the header Message-ID, so the same
// message filed under several folders maps to one mirror row. Messages
// without one hash their raw bytes instead.
func messageID(accountID, headerMessageID string, raw []byte) string {
	h := sha256.New()
	if headerMessageID != "" {
		h.Write([]byte(accountID))
		h.Write([]byte{'|'})
		h.Write([]byte(headerMessageID))
	} else {
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// makeSnippet collapses whitespace and cuts at a word boundary near
// snippetSize, never exceeding snippetMaxSize.
func makeSnippet(body string) string {
	collapsed := strings.Join(strings.Fields(body), " ")
	if len(collapsed) <= snippetSize {
		return collapsed
	}
	cut := snippetSize
	if idx := strings.IndexByte(collapsed[snippetSize:], ' '); idx >= 0 && snippetSize+idx < snippetMaxSize {
		cut = snippetSize + idx
	}
	if cut > snippetMaxSize {
		cut = snippetMaxSize
	}
	// A cut landing inside a multi-byte rune backs up to its start.
	for cut > 0 && !utf8.RuneStart(collapsed[cut]) {
		cut--
	}
	return collapsed[:cut]
}

// stripTags is a crude HTML-to-text fallback for messages with no plain
// part. It only has to produce a usable snippet, not a faithful render.
func stripTags(html string) string {
	var (
		b      strings.Builder
		inTag  bool
	)
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
