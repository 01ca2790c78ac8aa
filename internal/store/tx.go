package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailmirror/internal/model"
)

// ErrTerminalStatus is returned when a mutation targets a syncback request
// that already reached a terminal status.
var ErrTerminalStatus = errors.New("syncback request is in a terminal status")

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Tx is one mirror-store transaction. Every mutating method records its
// Transaction log row through log(), in the same SQL transaction, which is
// what makes the delta feed gap-free and auditable in one place.
type Tx struct {
	ctx       context.Context
	tx        *sqlx.Tx
	accountID string
}

// log appends one change-log row for a watched-table mutation.
func (t *Tx) log(event model.TransactionEvent, object, objectID string, changedFields ...string) error {
	fields, err := json.Marshal(changedFields)
	if err != nil {
		return fmt.Errorf("marshaling changed fields: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO transactions (event, object, object_id, changed_fields, account_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(event), object, objectID, string(fields), t.accountID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("logging %s %s %s: %w", event, object, objectID, err)
	}
	return nil
}

// === Categories ===

// CreateCategory inserts a new folder/label row.
func (t *Tx) CreateCategory(cat model.Category) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO categories (id, name, role, uid_validity, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cat.ID, cat.Name, string(cat.Role), cat.UIDValidity, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating category %q: %w", cat.Name, err)
	}
	return t.log(model.EventCreate, "category", cat.ID)
}

// DeleteCategory removes a category, its UID join rows, and any messages
// left without references.
func (t *Tx) DeleteCategory(id string) error {
	if _, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM message_uids WHERE category_id = ?", id,
	); err != nil {
		return fmt.Errorf("deleting uids of category %s: %w", id, err)
	}
	if err := t.PruneOrphanedMessages(); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM categories WHERE id = ?", id,
	); err != nil {
		return fmt.Errorf("deleting category %s: %w", id, err)
	}
	return t.log(model.EventDelete, "category", id)
}

// SetCategoryRole updates a category's canonical role.
func (t *Tx) SetCategoryRole(id string, role model.CategoryRole) error {
	if _, err := t.tx.ExecContext(t.ctx,
		"UPDATE categories SET role = ? WHERE id = ?", string(role), id,
	); err != nil {
		return fmt.Errorf("setting role of category %s: %w", id, err)
	}
	return t.log(model.EventModify, "category", id, "role")
}

// SetCategoryUIDValidity stores the folder's observed UIDVALIDITY.
// Sync bookkeeping only; not a user-visible delta.
func (t *Tx) SetCategoryUIDValidity(id string, validity uint32) error {
	_, err := t.tx.ExecContext(t.ctx,
		"UPDATE categories SET uid_validity = ? WHERE id = ?", validity, id,
	)
	if err != nil {
		return fmt.Errorf("setting uid validity of category %s: %w", id, err)
	}
	return nil
}

// TouchCategoryDeepScan stamps when the folder last had a deep scan.
func (t *Tx) TouchCategoryDeepScan(id string, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		"UPDATE categories SET last_deep_scan = ? WHERE id = ?", at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touching deep scan of category %s: %w", id, err)
	}
	return nil
}

// ListCategories returns all categories ordered by name.
func (t *Tx) ListCategories() ([]model.Category, error) {
	return listCategories(t.ctx, t.tx)
}

// === Messages and UIDs ===

// InsertMessage creates a new mirrored message row.
func (t *Tx) InsertMessage(msg model.Message) error {
	refs, _ := json.Marshal(msg.References)
	from, _ := json.Marshal(msg.From)
	to, _ := json.Marshal(msg.To)
	cc, _ := json.Marshal(msg.Cc)
	bcc, _ := json.Marshal(msg.Bcc)

	now := time.Now().UTC()
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO messages (
			id, thread_id, subject, snippet, body, header_message_id,
			refs, from_json, to_json, cc_json, bcc_json,
			date, pipeline_version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, msg.Subject, msg.Snippet, msg.Body, msg.HeaderMessageID,
		string(refs), string(from), string(to), string(cc), string(bcc),
		msg.Date.UTC(), msg.PipelineVersion, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", msg.ID, err)
	}
	return t.log(model.EventCreate, "message", msg.ID)
}

// UpdateMessage replaces a mirrored message's content fields.
func (t *Tx) UpdateMessage(msg model.Message) error {
	refs, _ := json.Marshal(msg.References)
	from, _ := json.Marshal(msg.From)
	to, _ := json.Marshal(msg.To)
	cc, _ := json.Marshal(msg.Cc)
	bcc, _ := json.Marshal(msg.Bcc)

	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE messages SET
			thread_id = ?, subject = ?, snippet = ?, body = ?,
			header_message_id = ?, refs = ?, from_json = ?, to_json = ?,
			cc_json = ?, bcc_json = ?, date = ?, pipeline_version = ?,
			updated_at = ?
		WHERE id = ?`,
		msg.ThreadID, msg.Subject, msg.Snippet, msg.Body,
		msg.HeaderMessageID, string(refs), string(from), string(to),
		string(cc), string(bcc), msg.Date.UTC(), msg.PipelineVersion,
		time.Now().UTC(), msg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", msg.ID, err)
	}
	return t.log(model.EventModify, "message", msg.ID, "body", "subject", "snippet")
}

// GetMessage returns one message by id, or ErrNotFound.
func (t *Tx) GetMessage(id string) (*model.Message, error) {
	return getMessage(t.ctx, t.tx, id)
}

// InsertMessageUID records that a message is visible in a category under a
// remote UID.
func (t *Tx) InsertMessageUID(uid model.MessageUID) error {
	flags, _ := json.Marshal(uid.Flags)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO message_uids (category_id, message_id, remote_uid, flags)
		VALUES (?, ?, ?, ?)`,
		uid.CategoryID, uid.MessageID, uid.RemoteUID, string(flags),
	)
	if err != nil {
		return fmt.Errorf("inserting uid %d in category %s: %w", uid.RemoteUID, uid.CategoryID, err)
	}
	return t.log(model.EventCreate, "messageuid", uidObjectID(uid.CategoryID, uid.RemoteUID))
}

// UpdateUIDFlags stores a UID's new flag set. Flags-only update; the
// message row is untouched.
func (t *Tx) UpdateUIDFlags(categoryID string, remoteUID uint32, flags []string) error {
	raw, _ := json.Marshal(flags)
	_, err := t.tx.ExecContext(t.ctx,
		"UPDATE message_uids SET flags = ? WHERE category_id = ? AND remote_uid = ?",
		string(raw), categoryID, remoteUID,
	)
	if err != nil {
		return fmt.Errorf("updating flags of uid %d in category %s: %w", remoteUID, categoryID, err)
	}
	return t.log(model.EventModify, "messageuid", uidObjectID(categoryID, remoteUID), "flags")
}

// DeleteMessageUID removes the join row. The message row survives as long
// as other MessageUID rows reference it; callers prune orphans afterwards.
func (t *Tx) DeleteMessageUID(categoryID string, remoteUID uint32) error {
	_, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM message_uids WHERE category_id = ? AND remote_uid = ?",
		categoryID, remoteUID,
	)
	if err != nil {
		return fmt.Errorf("deleting uid %d in category %s: %w", remoteUID, categoryID, err)
	}
	return t.log(model.EventDelete, "messageuid", uidObjectID(categoryID, remoteUID))
}

// DropUIDsForCategory removes every UID join row of a folder. Used on
// UIDVALIDITY changes, where all known UIDs become meaningless at once.
func (t *Tx) DropUIDsForCategory(categoryID string) error {
	_, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM message_uids WHERE category_id = ?", categoryID,
	)
	if err != nil {
		return fmt.Errorf("dropping uids of category %s: %w", categoryID, err)
	}
	return t.log(model.EventModify, "category", categoryID, "uids")
}

// PruneOrphanedMessages deletes messages that no MessageUID row references
// anymore, logging a delete for each.
func (t *Tx) PruneOrphanedMessages() error {
	var ids []string
	err := t.tx.SelectContext(t.ctx, &ids, `
		SELECT id FROM messages
		WHERE NOT EXISTS (
			SELECT 1 FROM message_uids WHERE message_uids.message_id = messages.id
		)`)
	if err != nil {
		return fmt.Errorf("finding orphaned messages: %w", err)
	}

	for _, id := range ids {
		if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting orphaned message %s: %w", id, err)
		}
		if err := t.log(model.EventDelete, "message", id); err != nil {
			return err
		}
	}
	return nil
}

// ListUIDs returns the known (remote UID, flags) pairs for one category.
func (t *Tx) ListUIDs(categoryID string) ([]model.MessageUID, error) {
	return listUIDs(t.ctx, t.tx, categoryID)
}

// === Threads ===

// FindThreadByReference returns the thread containing a message whose
// header message-id is in refs, or nil.
func (t *Tx) FindThreadByReference(refs []string) (*model.Thread, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT DISTINCT t.id, t.subject, t.subject_key, t.first_message_date, t.last_message_date
		FROM threads t
		JOIN messages m ON m.thread_id = t.id
		WHERE m.header_message_id IN (?)
		LIMIT 1`, refs)
	if err != nil {
		return nil, fmt.Errorf("building reference query: %w", err)
	}
	row := t.tx.QueryRowxContext(t.ctx, query, args...)
	thread, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// FindThreadBySubjectKey returns the newest thread with the normalized
// subject, or nil.
func (t *Tx) FindThreadBySubjectKey(key string) (*model.Thread, error) {
	if key == "" {
		return nil, nil
	}
	row := t.tx.QueryRowxContext(t.ctx, `
		SELECT id, subject, subject_key, first_message_date, last_message_date
		FROM threads WHERE subject_key = ?
		ORDER BY last_message_date DESC LIMIT 1`, key)
	thread, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

// UpsertThread inserts the thread or widens an existing thread's date range.
func (t *Tx) UpsertThread(thread model.Thread) error {
	var exists int
	if err := t.tx.GetContext(t.ctx, &exists,
		"SELECT COUNT(*) FROM threads WHERE id = ?", thread.ID,
	); err != nil {
		return fmt.Errorf("checking thread %s: %w", thread.ID, err)
	}

	if exists == 0 {
		_, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO threads (id, subject, subject_key, first_message_date, last_message_date)
			VALUES (?, ?, ?, ?, ?)`,
			thread.ID, thread.Subject, thread.SubjectKey,
			thread.FirstMessageDate.UTC(), thread.LastMessageDate.UTC(),
		)
		if err != nil {
			return fmt.Errorf("inserting thread %s: %w", thread.ID, err)
		}
		return t.log(model.EventCreate, "thread", thread.ID)
	}

	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE threads SET
			first_message_date = MIN(first_message_date, ?),
			last_message_date = MAX(last_message_date, ?)
		WHERE id = ?`,
		thread.FirstMessageDate.UTC(), thread.LastMessageDate.UTC(), thread.ID,
	)
	if err != nil {
		return fmt.Errorf("updating thread %s: %w", thread.ID, err)
	}
	return t.log(model.EventModify, "thread", thread.ID, "lastMessageDate")
}

// === Contacts ===

// UpsertContact inserts the (email, name) pair or refreshes the name of an
// existing row. Re-running for the same email never creates a duplicate.
func (t *Tx) UpsertContact(contact model.Contact) error {
	var existingID string
	err := t.tx.GetContext(t.ctx, &existingID,
		"SELECT id FROM contacts WHERE email = ?", contact.Email,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking contact %q: %w", contact.Email, err)
	}

	if existingID != "" {
		if contact.Name == "" {
			return nil
		}
		_, err := t.tx.ExecContext(t.ctx,
			"UPDATE contacts SET name = ? WHERE id = ? AND name = ''",
			contact.Name, existingID,
		)
		if err != nil {
			return fmt.Errorf("updating contact %q: %w", contact.Email, err)
		}
		return nil
	}

	_, err = t.tx.ExecContext(t.ctx,
		"INSERT INTO contacts (id, email, name) VALUES (?, ?, ?)",
		contact.ID, contact.Email, contact.Name,
	)
	if err != nil {
		return fmt.Errorf("inserting contact %q: %w", contact.Email, err)
	}
	return t.log(model.EventCreate, "contact", contact.ID)
}

// === Syncback requests ===

// CreateSyncbackRequest enqueues a new write-back action.
func (t *Tx) CreateSyncbackRequest(req model.SyncbackRequest) error {
	now := time.Now().UTC()
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO syncback_requests (id, type, props, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		req.ID, req.Type, string(req.Props), string(model.SyncbackNew), now, now,
	)
	if err != nil {
		return fmt.Errorf("creating syncback request %s: %w", req.ID, err)
	}
	return t.log(model.EventCreate, "syncbackrequest", req.ID)
}

// UpdateSyncbackRequest stores the runner's view of a request. Refuses to
// mutate terminal requests.
func (t *Tx) UpdateSyncbackRequest(req model.SyncbackRequest) error {
	var current string
	err := t.tx.GetContext(t.ctx, &current,
		"SELECT status FROM syncback_requests WHERE id = ?", req.ID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("syncback request %s: %w", req.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading syncback request %s: %w", req.ID, err)
	}
	if model.SyncbackStatus(current).Terminal() {
		return fmt.Errorf("syncback request %s: %w", req.ID, ErrTerminalStatus)
	}

	_, err = t.tx.ExecContext(t.ctx, `
		UPDATE syncback_requests
		SET status = ?, error = ?, response_json = ?, attempts = ?, updated_at = ?
		WHERE id = ?`,
		string(req.Status), req.Error, string(req.ResponseJSON),
		req.Attempts, time.Now().UTC(), req.ID,
	)
	if err != nil {
		return fmt.Errorf("updating syncback request %s: %w", req.ID, err)
	}
	return t.log(model.EventModify, "syncbackrequest", req.ID, "status")
}

// CancelSyncbackRequest flips a request to CANCELLED if and only if it is
// still NEW. Returns ErrTerminalStatus if the runner already picked it up.
func (t *Tx) CancelSyncbackRequest(id string) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE syncback_requests SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(model.SyncbackCancelled), time.Now().UTC(), id, string(model.SyncbackNew),
	)
	if err != nil {
		return fmt.Errorf("cancelling syncback request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancelling syncback request %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("syncback request %s: %w", id, ErrTerminalStatus)
	}
	return t.log(model.EventModify, "syncbackrequest", id, "status")
}

func uidObjectID(categoryID string, remoteUID uint32) string {
	return fmt.Sprintf("%s:%d", categoryID, remoteUID)
}
