package store

import migrate "github.com/rubenv/sql-migrate"

// migrationSource holds the schema history. The integer-keyed layout mirrors
// the canonical multi-protocol data model: accounts own folders, folders own
// emails, and one sync cursor row exists per (account, folder).
var migrationSource = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "1_initial_schema",
			Up: []string{`
CREATE TABLE accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    address TEXT NOT NULL,
    protocol TEXT NOT NULL,
    mailbox_host TEXT,
    mailbox_port INTEGER,
    mailbox_tls INTEGER,
    jmap_url TEXT,
    submission_host TEXT,
    submission_port INTEGER,
    submission_tls INTEGER,
    username TEXT NOT NULL,
    credential_ref TEXT NOT NULL,
    suspended INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE folders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    display_name TEXT NOT NULL,
    role TEXT NOT NULL,
    validity TEXT NOT NULL DEFAULT '',
    stale INTEGER NOT NULL DEFAULT 0,
    missing_passes INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE(account_id, name)
);

CREATE TABLE emails (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    folder_id INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
    message_id TEXT NOT NULL DEFAULT '',
    thread_id TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    from_name TEXT NOT NULL DEFAULT '',
    from_address TEXT NOT NULL DEFAULT '',
    to_json TEXT NOT NULL DEFAULT '[]',
    cc_json TEXT NOT NULL DEFAULT '[]',
    bcc_json TEXT NOT NULL DEFAULT '[]',
    body_text TEXT NOT NULL DEFAULT '',
    body_html TEXT NOT NULL DEFAULT '',
    attachments_json TEXT NOT NULL DEFAULT '[]',
    size_bytes INTEGER NOT NULL DEFAULT 0,
    date TEXT NOT NULL DEFAULT '',
    internal_date TEXT NOT NULL DEFAULT '',
    is_read INTEGER NOT NULL DEFAULT 0,
    is_flagged INTEGER NOT NULL DEFAULT 0,
    is_answered INTEGER NOT NULL DEFAULT 0,
    is_draft INTEGER NOT NULL DEFAULT 0,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    seq_marker TEXT NOT NULL DEFAULT '',
    unverified INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE UNIQUE INDEX idx_emails_seq_marker
    ON emails(account_id, folder_id, seq_marker)
    WHERE seq_marker != '';
CREATE INDEX idx_emails_folder ON emails(folder_id, internal_date);
CREATE INDEX idx_emails_message_id ON emails(message_id);

CREATE TABLE sync_cursors (
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    folder_id INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
    validity TEXT NOT NULL DEFAULT '',
    next_marker INTEGER NOT NULL DEFAULT 0,
    continuation_token TEXT NOT NULL DEFAULT '',
    last_sync TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (account_id, folder_id)
);
`},
			Down: []string{`
DROP TABLE sync_cursors;
DROP TABLE emails;
DROP TABLE folders;
DROP TABLE accounts;
`},
		},
	},
}
