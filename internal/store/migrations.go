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

CREATE TABLE IF NOT EXISTS incidents (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	incident_type  TEXT,
	source_ip      TEXT,
	target_system  TEXT,
	severity       TEXT NOT NULL CHECK(severity IN ('low', 'medium', 'high', 'critical')),
	status         TEXT NOT NULL CHECK(status IN ('open', 'investigating', 'resolved', 'closed')),
	detected_at    DATETIME,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME,
	resolved_at    DATETIME,
	fetched_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL,
	severity    TEXT NOT NULL,
	message     TEXT NOT NULL,
	read        INTEGER NOT NULL DEFAULT 0 CHECK(read IN (0, 1)),
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
CREATE INDEX IF NOT EXISTS idx_incidents_severity ON incidents(severity);
CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at);
CREATE INDEX IF NOT EXISTS idx_notifications_read ON notifications(read);
CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications(created_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS uploads (
	id          TEXT PRIMARY KEY,
	file        TEXT NOT NULL,
	state       TEXT NOT NULL CHECK(state IN ('succeeded', 'failed')),
	error       TEXT NOT NULL DEFAULT '',
	result      TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT 'cli',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_uploads_finished ON uploads(finished_at);
CREATE INDEX IF NOT EXISTS idx_notifications_incident_id ON notifications(incident_id);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
