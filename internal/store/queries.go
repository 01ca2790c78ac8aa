package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailmirror/internal/model"
)

// Read-side queries. These run outside WithTx; the reconciliation
// algorithms re-read what they need inside their transaction through the
// equivalent Tx methods.

// ListCategories returns all categories ordered by name.
func (m *Mirror) ListCategories(ctx context.Context) ([]model.Category, error) {
	return listCategories(ctx, m.db)
}

// GetCategoryByName returns one category, or ErrNotFound.
func (m *Mirror) GetCategoryByName(ctx context.Context, name string) (*model.Category, error) {
	row := m.db.QueryRowxContext(ctx,
		"SELECT id, name, role, uid_validity, last_deep_scan, created_at FROM categories WHERE name = ?",
		name,
	)
	cat, err := scanCategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("category %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &cat, nil
}

// ListUIDs returns the known (remote UID, flags) pairs for one category.
func (m *Mirror) ListUIDs(ctx context.Context, categoryID string) ([]model.MessageUID, error) {
	return listUIDs(ctx, m.db, categoryID)
}

// GetMessage returns one message by id, or ErrNotFound.
func (m *Mirror) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return getMessage(ctx, m.db, id)
}

// MessageIDsInThread returns the ids of every message in a thread.
func (m *Mirror) MessageIDsInThread(ctx context.Context, threadID string) ([]string, error) {
	var ids []string
	err := m.db.SelectContext(ctx, &ids,
		"SELECT id FROM messages WHERE thread_id = ? ORDER BY date", threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages of thread %s: %w", threadID, err)
	}
	return ids, nil
}

// LocationsOfMessage returns every (category, remote UID) a message is
// visible under, joined with the category name for remote operations.
type MessageLocation struct {
	CategoryID   string
	CategoryName string
	RemoteUID    uint32
	Flags        []string
}

// LocationsOfMessage returns where a message lives remotely.
func (m *Mirror) LocationsOfMessage(ctx context.Context, messageID string) ([]MessageLocation, error) {
	rows, err := m.db.QueryxContext(ctx, `
		SELECT u.category_id, c.name, u.remote_uid, u.flags
		FROM message_uids u
		JOIN categories c ON c.id = u.category_id
		WHERE u.message_id = ?
		ORDER BY c.name, u.remote_uid`, messageID)
	if err != nil {
		return nil, fmt.Errorf("locating message %s: %w", messageID, err)
	}
	defer rows.Close()

	var locs []MessageLocation
	for rows.Next() {
		var (
			loc      MessageLocation
			rawFlags string
		)
		if err := rows.Scan(&loc.CategoryID, &loc.CategoryName, &loc.RemoteUID, &rawFlags); err != nil {
			return nil, fmt.Errorf("scanning message location: %w", err)
		}
		if err := json.Unmarshal([]byte(rawFlags), &loc.Flags); err != nil {
			return nil, fmt.Errorf("unmarshaling flags: %w", err)
		}
		locs = append(locs, loc)
	}
	return locs, rows.Err()
}

// === Syncback reads ===

// GetSyncbackRequest returns one request, or ErrNotFound.
func (m *Mirror) GetSyncbackRequest(ctx context.Context, id string) (*model.SyncbackRequest, error) {
	row := m.db.QueryRowxContext(ctx, `
		SELECT id, type, props, status, error, response_json, attempts, created_at, updated_at
		FROM syncback_requests WHERE id = ?`, id)
	req, err := scanSyncbackRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("syncback request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// ListNewSyncbackRequests returns NEW requests oldest first, up to limit.
func (m *Mirror) ListNewSyncbackRequests(ctx context.Context, limit int) ([]model.SyncbackRequest, error) {
	return m.listSyncbackRequests(ctx, limit, model.SyncbackNew)
}

// ListInFlightSyncbackRequests returns requests a previous process left in
// an INPROGRESS status, oldest first, up to limit. They must be driven to
// a terminal status before any NEW work runs.
func (m *Mirror) ListInFlightSyncbackRequests(ctx context.Context, limit int) ([]model.SyncbackRequest, error) {
	return m.listSyncbackRequests(ctx, limit,
		model.SyncbackInProgressRetryable, model.SyncbackInProgressNoRetryable)
}

func (m *Mirror) listSyncbackRequests(ctx context.Context, limit int, statuses ...model.SyncbackStatus) ([]model.SyncbackRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	args := make([]any, 0, len(statuses)+1)
	placeholders := make([]string, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args = append(args, string(status))
	}
	args = append(args, limit)

	rows, err := m.db.QueryxContext(ctx, `
		SELECT id, type, props, status, error, response_json, attempts, created_at, updated_at
		FROM syncback_requests WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY created_at ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing syncback requests: %w", err)
	}
	defer rows.Close()

	var reqs []model.SyncbackRequest
	for rows.Next() {
		req, err := scanSyncbackRequestRows(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// === Transaction log reads ===

// TransactionsSince returns up to limit committed log rows with id greater
// than cursor, in strictly increasing id order.
func (m *Mirror) TransactionsSince(ctx context.Context, cursor int64, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := m.db.QueryxContext(ctx, `
		SELECT id, event, object, object_id, changed_fields, account_id, created_at
		FROM transactions WHERE id > ?
		ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("reading transactions after %d: %w", cursor, err)
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		var (
			txn       model.Transaction
			event     string
			rawFields string
		)
		err := rows.Scan(&txn.ID, &event, &txn.Object, &txn.ObjectID, &rawFields, &txn.AccountID, &txn.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction row: %w", err)
		}
		txn.Event = model.TransactionEvent(event)
		txn.Cursor = txn.ID
		if err := json.Unmarshal([]byte(rawFields), &txn.ChangedFields); err != nil {
			return nil, fmt.Errorf("unmarshaling changed fields: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// LatestCursor returns the highest committed transaction id, or 0 for an
// empty log.
func (m *Mirror) LatestCursor(ctx context.Context) (int64, error) {
	var cursor int64
	err := m.db.GetContext(ctx, &cursor, "SELECT COALESCE(MAX(id), 0) FROM transactions")
	if err != nil {
		return 0, fmt.Errorf("reading latest cursor: %w", err)
	}
	return cursor, nil
}

// CursorSince resolves a timestamp to the cursor just before the first
// transaction at-or-after it, for initial catch-up by time.
func (m *Mirror) CursorSince(ctx context.Context, since time.Time) (int64, error) {
	var id sql.NullInt64
	err := m.db.GetContext(ctx, &id,
		"SELECT MIN(id) FROM transactions WHERE created_at >= ?", since.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("resolving cursor for %s: %w", since, err)
	}
	if !id.Valid {
		return m.LatestCursor(ctx)
	}
	return id.Int64 - 1, nil
}

// === Shared scan helpers ===

func listCategories(ctx context.Context, q sqlx.QueryerContext) ([]model.Category, error) {
	rows, err := q.QueryxContext(ctx,
		"SELECT id, name, role, uid_validity, last_deep_scan, created_at FROM categories ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	defer rows.Close()

	var cats []model.Category
	for rows.Next() {
		cat, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		cats = append(cats, cat)
	}
	return cats, rows.Err()
}

func listUIDs(ctx context.Context, q sqlx.QueryerContext, categoryID string) ([]model.MessageUID, error) {
	rows, err := q.QueryxContext(ctx, `
		SELECT category_id, message_id, remote_uid, flags
		FROM message_uids WHERE category_id = ?
		ORDER BY remote_uid`, categoryID)
	if err != nil {
		return nil, fmt.Errorf("listing uids of category %s: %w", categoryID, err)
	}
	defer rows.Close()

	var uids []model.MessageUID
	for rows.Next() {
		var (
			uid      model.MessageUID
			rawFlags string
		)
		if err := rows.Scan(&uid.CategoryID, &uid.MessageID, &uid.RemoteUID, &rawFlags); err != nil {
			return nil, fmt.Errorf("scanning uid row: %w", err)
		}
		if err := json.Unmarshal([]byte(rawFlags), &uid.Flags); err != nil {
			return nil, fmt.Errorf("unmarshaling flags: %w", err)
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

func getMessage(ctx context.Context, q sqlx.QueryerContext, id string) (*model.Message, error) {
	row := q.QueryRowxContext(ctx, `
		SELECT id, thread_id, subject, snippet, body, header_message_id,
			refs, from_json, to_json, cc_json, bcc_json,
			date, pipeline_version, created_at, updated_at
		FROM messages WHERE id = ?`, id)

	var (
		msg                      model.Message
		refs, from, to, cc, bcc  string
		date                     sql.NullTime
	)
	err := row.Scan(
		&msg.ID, &msg.ThreadID, &msg.Subject, &msg.Snippet, &msg.Body,
		&msg.HeaderMessageID, &refs, &from, &to, &cc, &bcc,
		&date, &msg.PipelineVersion, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message %s: %w", id, err)
	}
	if date.Valid {
		msg.Date = date.Time
	}

	for _, col := range []struct {
		raw string
		dst any
	}{
		{refs, &msg.References},
		{from, &msg.From},
		{to, &msg.To},
		{cc, &msg.Cc},
		{bcc, &msg.Bcc},
	} {
		if col.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return nil, fmt.Errorf("unmarshaling message %s fields: %w", id, err)
		}
	}
	return &msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCategory(row rowScanner) (model.Category, error) {
	var (
		cat      model.Category
		role     string
		deepScan sql.NullTime
	)
	err := row.Scan(&cat.ID, &cat.Name, &role, &cat.UIDValidity, &deepScan, &cat.CreatedAt)
	if err != nil {
		return model.Category{}, err
	}
	cat.Role = model.CategoryRole(role)
	if deepScan.Valid {
		cat.LastDeepScan = deepScan.Time
	}
	return cat, nil
}

func scanThread(row rowScanner) (model.Thread, error) {
	var (
		thread      model.Thread
		first, last sql.NullTime
	)
	err := row.Scan(&thread.ID, &thread.Subject, &thread.SubjectKey, &first, &last)
	if err != nil {
		return model.Thread{}, err
	}
	if first.Valid {
		thread.FirstMessageDate = first.Time
	}
	if last.Valid {
		thread.LastMessageDate = last.Time
	}
	return thread, nil
}

func scanSyncbackRequest(row rowScanner) (model.SyncbackRequest, error) {
	var (
		req            model.SyncbackRequest
		status         string
		props, respRaw string
	)
	err := row.Scan(&req.ID, &req.Type, &props, &status, &req.Error, &respRaw, &req.Attempts, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return model.SyncbackRequest{}, err
	}
	req.Status = model.SyncbackStatus(status)
	req.Props = json.RawMessage(props)
	if respRaw != "" {
		req.ResponseJSON = json.RawMessage(respRaw)
	}
	return req, nil
}

func scanSyncbackRequestRows(rows *sqlx.Rows) (model.SyncbackRequest, error) {
	req, err := scanSyncbackRequest(rows)
	if err != nil {
		return model.SyncbackRequest{}, fmt.Errorf("scanning syncback request row: %w", err)
	}
	return req, nil
}
