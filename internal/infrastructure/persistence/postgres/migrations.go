package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	UpSQL     string    `json:"-"`
	DownSQL   string    `json:"-"`
	AppliedAt time.Time `json:"applied_at,omitempty"`
	IsApplied bool      `json:"applied"`
}

// Migrator applies the embedded migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: GetMigrations(),
		tableName:  "schema_migrations",
	}
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`, m.tableName))
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.conn.Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s", m.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]time.Time)
	for rows.Next() {
		var (
			version int
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		out[version] = at
	}
	return out, rows.Err()
}

// Migrate applies all pending migrations, each in its own transaction.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	done, err := m.applied(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if _, ok := done[mig.Version]; ok {
			continue
		}
		err := m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName),
				mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
		m.conn.logger.Info("migration applied", "version", mig.Version, "name", mig.Name)
	}
	return nil
}

// Rollback rolls back the last applied migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	done, err := m.applied(ctx)
	if err != nil {
		return err
	}

	var last int
	for v := range done {
		if v > last {
			last = v
		}
	}
	if last == 0 {
		return nil
	}

	var mig *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == last {
			mig = &m.migrations[i]
		}
	}
	if mig == nil || mig.DownSQL == "" {
		return fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, last)
	}

	return m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.DownSQL); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", last, err)
		}
		_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName), last)
		return err
	})
}

// Status returns every migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	done, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	for i := range out {
		if at, ok := done[out[i].Version]; ok {
			out[i].IsApplied = true
			out[i].AppliedAt = at
		}
	}
	return out, nil
}

// GetMigrations returns all embedded migrations in order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_semester_structure", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_grades", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_change_notifications", UpSQL: migration003Up, DownSQL: migration003Down},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: SEMESTER STRUCTURE
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS semesters (
    id TEXT PRIMARY KEY,
    formation_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    settings JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS students (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    first_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS inscriptions (
    semester_id TEXT NOT NULL REFERENCES semesters(id) ON DELETE CASCADE,
    student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    state VARCHAR(3) NOT NULL DEFAULT 'I',
    groups TEXT[] NOT NULL DEFAULT '{}',
    PRIMARY KEY (semester_id, student_id),
    CONSTRAINT valid_state CHECK (state IN ('I', 'D', 'DEF'))
);

CREATE TABLE IF NOT EXISTS ues (
    id TEXT PRIMARY KEY,
    formation_id TEXT NOT NULL,
    code TEXT NOT NULL,
    acronym TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    number INTEGER NOT NULL DEFAULT 0,
    type VARCHAR(20) NOT NULL DEFAULT 'standard',
    coefficient DOUBLE PRECISION,
    ects DOUBLE PRECISION NOT NULL DEFAULT 0,
    CONSTRAINT valid_ue_type CHECK (type IN ('standard', 'sport', 'professional', 'internship', 'elective'))
);
CREATE INDEX IF NOT EXISTS idx_ues_formation ON ues(formation_id);

CREATE TABLE IF NOT EXISTS subjects (
    id TEXT PRIMARY KEY,
    ue_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    number INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS modules (
    id TEXT PRIMARY KEY,
    formation_id TEXT NOT NULL,
    code TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    ue_id TEXT NOT NULL,
    subject_id TEXT,
    number INTEGER NOT NULL DEFAULT 0,
    coefficient DOUBLE PRECISION NOT NULL DEFAULT 0,
    type VARCHAR(20) NOT NULL DEFAULT 'standard'
);

CREATE TABLE IF NOT EXISTS module_impls (
    id TEXT PRIMARY KEY,
    semester_id TEXT NOT NULL REFERENCES semesters(id) ON DELETE CASCADE,
    module_id TEXT NOT NULL REFERENCES modules(id),
    formula TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_module_impls_semester ON module_impls(semester_id);

CREATE TABLE IF NOT EXISTS module_enrollments (
    module_impl_id TEXT NOT NULL REFERENCES module_impls(id) ON DELETE CASCADE,
    student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    PRIMARY KEY (module_impl_id, student_id)
);

CREATE TABLE IF NOT EXISTS semester_ue_settings (
    semester_id TEXT NOT NULL REFERENCES semesters(id) ON DELETE CASCADE,
    ue_id TEXT NOT NULL REFERENCES ues(id) ON DELETE CASCADE,
    forced_coefficient DOUBLE PRECISION,
    formula TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (semester_id, ue_id)
);
`

const migration001Down = `
DROP TABLE IF EXISTS semester_ue_settings;
DROP TABLE IF EXISTS module_enrollments;
DROP TABLE IF EXISTS module_impls;
DROP TABLE IF EXISTS modules;
DROP TABLE IF EXISTS subjects;
DROP TABLE IF EXISTS ues;
DROP TABLE IF EXISTS inscriptions;
DROP TABLE IF EXISTS students;
DROP TABLE IF EXISTS semesters;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: GRADES, CAPITALIZATIONS, JURY
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    module_impl_id TEXT NOT NULL REFERENCES module_impls(id) ON DELETE CASCADE,
    number INTEGER NOT NULL DEFAULT 0,
    coefficient DOUBLE PRECISION NOT NULL DEFAULT 1,
    max_score DOUBLE PRECISION NOT NULL DEFAULT 20,
    publish_incomplete BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_evaluations_module_impl ON evaluations(module_impl_id);

CREATE TABLE IF NOT EXISTS grades (
    evaluation_id TEXT NOT NULL REFERENCES evaluations(id) ON DELETE CASCADE,
    student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    kind VARCHAR(3) NOT NULL DEFAULT 'NUM',
    score DOUBLE PRECISION,
    entered_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    PRIMARY KEY (evaluation_id, student_id),
    CONSTRAINT valid_grade_kind CHECK (kind IN ('NUM', 'ABS', 'EXC', 'ATT')),
    CONSTRAINT score_present CHECK (kind <> 'NUM' OR score IS NOT NULL)
);

CREATE TABLE IF NOT EXISTS capitalizations (
    id BIGSERIAL PRIMARY KEY,
    student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    ue_code TEXT NOT NULL,
    average DOUBLE PRECISION,
    origin_semester_id TEXT,
    event_date TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    external BOOLEAN NOT NULL DEFAULT FALSE,
    origin_module_coefficients DOUBLE PRECISION[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_capitalizations_student ON capitalizations(student_id, ue_code);

CREATE TABLE IF NOT EXISTS jury_decisions (
    semester_id TEXT NOT NULL REFERENCES semesters(id) ON DELETE CASCADE,
    student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    code VARCHAR(10) NOT NULL,
    ue_codes JSONB NOT NULL DEFAULT '{}'::jsonb,
    decided_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    PRIMARY KEY (semester_id, student_id)
);
`

const migration002Down = `
DROP TABLE IF EXISTS jury_decisions;
DROP TABLE IF EXISTS capitalizations;
DROP TABLE IF EXISTS grades;
DROP TABLE IF EXISTS evaluations;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: CHANGE NOTIFICATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Every write to an input table raises pg_notify on ChangeChannel with
// {"table", "op", "semester_id", "entity_id"}. An empty semester_id means the
// change is shared by several semesters (formation-level tables, capitalizations).
const migration003Up = `
CREATE OR REPLACE FUNCTION gradebook_notify_change() RETURNS trigger AS $$
DECLARE
    rec JSONB;
    sem TEXT;
BEGIN
    IF TG_OP = 'DELETE' THEN
        rec := to_jsonb(OLD);
    ELSE
        rec := to_jsonb(NEW);
    END IF;

    CASE TG_TABLE_NAME
        WHEN 'semesters' THEN
            sem := rec->>'id';
        WHEN 'inscriptions', 'module_impls', 'jury_decisions', 'semester_ue_settings' THEN
            sem := rec->>'semester_id';
        WHEN 'evaluations', 'module_enrollments' THEN
            SELECT semester_id INTO sem FROM module_impls WHERE id = rec->>'module_impl_id';
        WHEN 'grades' THEN
            SELECT mi.semester_id INTO sem
            FROM evaluations e JOIN module_impls mi ON mi.id = e.module_impl_id
            WHERE e.id = rec->>'evaluation_id';
        ELSE
            sem := NULL;
    END CASE;

    PERFORM pg_notify('gradebook_changes', json_build_object(
        'table', TG_TABLE_NAME,
        'op', TG_OP,
        'semester_id', COALESCE(sem, ''),
        'entity_id', COALESCE(rec->>'id', rec->>'student_id', '')
    )::text);
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DO $$
DECLARE
    t TEXT;
BEGIN
    FOREACH t IN ARRAY ARRAY[
        'semesters', 'students', 'inscriptions', 'ues', 'subjects', 'modules',
        'module_impls', 'module_enrollments', 'semester_ue_settings',
        'evaluations', 'grades', 'capitalizations', 'jury_decisions'
    ] LOOP
        EXECUTE format('DROP TRIGGER IF EXISTS gradebook_notify ON %I', t);
        EXECUTE format(
            'CREATE TRIGGER gradebook_notify AFTER INSERT OR UPDATE OR DELETE ON %I
             FOR EACH ROW EXECUTE FUNCTION gradebook_notify_change()', t);
    END LOOP;
END $$;
`

const migration003Down = `
DO $$
DECLARE
    t TEXT;
BEGIN
    FOREACH t IN ARRAY ARRAY[
        'semesters', 'students', 'inscriptions', 'ues', 'subjects', 'modules',
        'module_impls', 'module_enrollments', 'semester_ue_settings',
        'evaluations', 'grades', 'capitalizations', 'jury_decisions'
    ] LOOP
        EXECUTE format('DROP TRIGGER IF EXISTS gradebook_notify ON %I', t);
    END LOOP;
END $$;
DROP FUNCTION IF EXISTS gradebook_notify_change();
`
