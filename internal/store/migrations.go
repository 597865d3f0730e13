package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	email       TEXT NOT NULL,
	imap_host   TEXT NOT NULL DEFAULT '',
	imap_port   TEXT NOT NULL DEFAULT '993',
	smtp_host   TEXT NOT NULL DEFAULT '',
	smtp_port   TEXT NOT NULL DEFAULT '587',
	username    TEXT NOT NULL DEFAULT '',
	use_tls     INTEGER NOT NULL DEFAULT 1,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS folders (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	path        TEXT NOT NULL,
	role        TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(account_id, path)
);

CREATE TABLE IF NOT EXISTS emails (
	id               TEXT PRIMARY KEY,
	message_id       TEXT NOT NULL UNIQUE,
	account_id       TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	folder_id        TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	uid              INTEGER NOT NULL DEFAULT 0,
	subject          TEXT NOT NULL DEFAULT '',
	from_name        TEXT NOT NULL DEFAULT '',
	from_addr        TEXT NOT NULL DEFAULT '',
	to_addrs         TEXT NOT NULL DEFAULT '[]',
	cc_addrs         TEXT NOT NULL DEFAULT '[]',
	date             DATETIME NOT NULL,
	size             INTEGER NOT NULL DEFAULT 0,
	is_read          INTEGER NOT NULL DEFAULT 0,
	is_starred       INTEGER NOT NULL DEFAULT 0,
	has_attachments  INTEGER NOT NULL DEFAULT 0,
	in_reply_to      TEXT NOT NULL DEFAULT '',
	references_hdr   TEXT NOT NULL DEFAULT '',
	thread_id        TEXT,
	awaiting_reply   INTEGER NOT NULL DEFAULT 0,
	awaiting_since   DATETIME,
	list_unsubscribe TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS classification_state (
	email_id         TEXT PRIMARY KEY REFERENCES emails(id) ON DELETE CASCADE,
	status           TEXT NOT NULL DEFAULT 'unprocessed'
		CHECK(status IN ('unprocessed', 'classified', 'pending_review', 'accepted', 'dismissed', 'error')),
	confidence       REAL,
	priority         TEXT CHECK(priority IN ('high', 'normal', 'low') OR priority IS NULL),
	suggested_folder TEXT,
	reasoning        TEXT,
	error_message    TEXT,
	classified_at    DATETIME,
	reviewed_at      DATETIME,
	dismissed_at     DATETIME,
	updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS classification_feedback (
	id             TEXT PRIMARY KEY,
	email_id       TEXT NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
	action         TEXT NOT NULL CHECK(action IN ('accept', 'accept_edit', 'dismiss')),
	original_tags  TEXT NOT NULL DEFAULT '[]',
	final_tags     TEXT NOT NULL DEFAULT '[]',
	accuracy_score REAL NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS confused_patterns (
	pattern_type    TEXT NOT NULL CHECK(pattern_type IN ('sender_domain', 'subject_pattern')),
	pattern_value   TEXT NOT NULL,
	dismissal_count INTEGER NOT NULL DEFAULT 0,
	avg_confidence  REAL NOT NULL DEFAULT 0,
	last_seen       DATETIME NOT NULL,
	PRIMARY KEY(pattern_type, pattern_value)
);

CREATE TABLE IF NOT EXISTS sender_rules (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	pattern          TEXT NOT NULL,
	pattern_type     TEXT NOT NULL CHECK(pattern_type IN ('domain', 'address')),
	target_folder    TEXT NOT NULL,
	confidence       REAL NOT NULL DEFAULT 0,
	correction_count INTEGER NOT NULL DEFAULT 0,
	auto_apply       INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(account_id, pattern, pattern_type)
);

CREATE INDEX IF NOT EXISTS idx_emails_account_folder ON emails(account_id, folder_id);
CREATE INDEX IF NOT EXISTS idx_emails_thread ON emails(thread_id);
CREATE INDEX IF NOT EXISTS idx_emails_date ON emails(date);
CREATE INDEX IF NOT EXISTS idx_emails_awaiting ON emails(awaiting_reply);
CREATE INDEX IF NOT EXISTS idx_state_status ON classification_state(status);
CREATE INDEX IF NOT EXISTS idx_state_classified_at ON classification_state(classified_at);
CREATE INDEX IF NOT EXISTS idx_feedback_email ON classification_feedback(email_id);
CREATE INDEX IF NOT EXISTS idx_feedback_created ON classification_feedback(created_at);
CREATE INDEX IF NOT EXISTS idx_rules_account ON sender_rules(account_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_state_dismissed
	ON classification_state(status, dismissed_at);

CREATE INDEX IF NOT EXISTS idx_rules_auto_apply
	ON sender_rules(account_id, auto_apply);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
