package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// mirrorMigrations is the ordered schema for one per-account mirror
// database. Each migration's version must be sequential starting from 1.
var mirrorMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS categories (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL UNIQUE,
	role           TEXT NOT NULL DEFAULT '',
	uid_validity   INTEGER NOT NULL DEFAULT 0,
	last_deep_scan DATETIME,
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS threads (
	id                 TEXT PRIMARY KEY,
	subject            TEXT NOT NULL DEFAULT '',
	subject_key        TEXT NOT NULL DEFAULT '',
	first_message_date DATETIME,
	last_message_date  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_threads_subject_key ON threads(subject_key);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	thread_id         TEXT NOT NULL REFERENCES threads(id),
	subject           TEXT NOT NULL DEFAULT '',
	snippet           TEXT NOT NULL DEFAULT '',
	body              TEXT NOT NULL DEFAULT '',
	header_message_id TEXT NOT NULL DEFAULT '',
	refs              TEXT NOT NULL DEFAULT '[]',
	from_json         TEXT NOT NULL DEFAULT '[]',
	to_json           TEXT NOT NULL DEFAULT '[]',
	cc_json           TEXT NOT NULL DEFAULT '[]',
	bcc_json          TEXT NOT NULL DEFAULT '[]',
	date              DATETIME,
	pipeline_version  INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_header_message_id
	ON messages(header_message_id);
CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id);

CREATE TABLE IF NOT EXISTS message_uids (
	category_id TEXT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
	message_id  TEXT NOT NULL REFERENCES messages(id),
	remote_uid  INTEGER NOT NULL,
	flags       TEXT NOT NULL DEFAULT '[]',
	UNIQUE(category_id, remote_uid)
);

CREATE INDEX IF NOT EXISTS idx_message_uids_message_id
	ON message_uids(message_id);

CREATE TABLE IF NOT EXISTS contacts (
	id    TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS syncback_requests (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	props         TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'NEW',
	error         TEXT NOT NULL DEFAULT '',
	response_json TEXT NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_syncback_status_created
	ON syncback_requests(status, created_at);

CREATE TABLE IF NOT EXISTS transactions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	event          TEXT NOT NULL CHECK(event IN ('create', 'modify', 'delete')),
	object         TEXT NOT NULL,
	object_id      TEXT NOT NULL,
	changed_fields TEXT NOT NULL DEFAULT '[]',
	account_id     TEXT NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// sharedMigrations is the schema for the store shared by all accounts:
// account rows, credentials references, and the scheduler assignment table.
var sharedMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id                    TEXT PRIMARY KEY,
	email                 TEXT NOT NULL UNIQUE,
	imap_host             TEXT NOT NULL,
	imap_port             TEXT NOT NULL DEFAULT '993',
	tls                   INTEGER NOT NULL DEFAULT 1,
	credential_key        TEXT NOT NULL DEFAULT '',
	sync_policy           TEXT NOT NULL DEFAULT '{}',
	sync_error            TEXT NOT NULL DEFAULT '',
	last_sync_completions TEXT NOT NULL DEFAULT '[]',
	active_until          DATETIME,
	created_at            DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at            DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS assignments (
	account_id   TEXT PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
	worker_id    TEXT NOT NULL DEFAULT '',
	claimed_at   DATETIME,
	heartbeat_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_assignments_worker ON assignments(worker_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
