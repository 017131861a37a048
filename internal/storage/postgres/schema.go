package postgres

// Schema is the embedded database schema. All statements are idempotent so
// the schema can be re-applied on every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
	id            BIGSERIAL PRIMARY KEY,
	subject_type  TEXT NOT NULL,
	subject_id    TEXT NOT NULL,
	text          TEXT NOT NULL,
	tags          TEXT NOT NULL DEFAULT '',
	importance    DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	decay_days    DOUBLE PRECISION NOT NULL DEFAULT 30,
	last_updated  TIMESTAMPTZ NOT NULL,
	last_accessed TIMESTAMPTZ,
	n_reinforced  INTEGER NOT NULL DEFAULT 0,
	pinned        BOOLEAN NOT NULL DEFAULT FALSE,
	source        TEXT NOT NULL DEFAULT 'auto',
	person_ref    TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_subject_text
	ON memories(subject_type, subject_id, text);
CREATE INDEX IF NOT EXISTS idx_memories_subject
	ON memories(subject_type, subject_id);
CREATE INDEX IF NOT EXISTS idx_memories_importance
	ON memories(importance, last_updated);
CREATE INDEX IF NOT EXISTS idx_memories_person_ref
	ON memories(person_ref);

CREATE TABLE IF NOT EXISTS facts (
	id            BIGSERIAL PRIMARY KEY,
	subject_type  TEXT NOT NULL,
	subject_id    TEXT NOT NULL,
	key           TEXT NOT NULL,
	value         TEXT NOT NULL,
	tags          TEXT NOT NULL DEFAULT '',
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0.85,
	decay_days    DOUBLE PRECISION NOT NULL DEFAULT 365,
	last_updated  TIMESTAMPTZ NOT NULL,
	last_accessed TIMESTAMPTZ,
	n_reinforced  INTEGER NOT NULL DEFAULT 0,
	pinned        BOOLEAN NOT NULL DEFAULT FALSE,
	source        TEXT NOT NULL DEFAULT 'auto',
	evidence      TEXT NOT NULL DEFAULT '',
	person_ref    TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_subject_key
	ON facts(subject_type, subject_id, key);
CREATE INDEX IF NOT EXISTS idx_facts_confidence
	ON facts(confidence, last_updated);

CREATE TABLE IF NOT EXISTS tasks (
	id               BIGSERIAL PRIMARY KEY,
	status           TEXT NOT NULL DEFAULT 'pending',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	due_at           TIMESTAMPTZ,
	kind             TEXT NOT NULL,
	description      TEXT NOT NULL,
	from_user_id     TEXT,
	to_user_id       TEXT,
	reply_to_user_id TEXT,
	room_id          TEXT,
	importance       DOUBLE PRECISION NOT NULL DEFAULT 0.7,
	meta             TEXT NOT NULL DEFAULT '{}',
	question_text    TEXT,
	answer_text      TEXT,
	claimed_by       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_due_status ON tasks(status, due_at);
CREATE INDEX IF NOT EXISTS idx_tasks_participants
	ON tasks(to_user_id, from_user_id, reply_to_user_id);
CREATE INDEX IF NOT EXISTS idx_tasks_room ON tasks(room_id);
`
