package school

import (
	"context"
	"database/sql"

	"github.com/saiset-co/sai-school/types"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS terms (
		id         TEXT PRIMARY KEY,
		school_id  TEXT NOT NULL,
		name       TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date   TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_terms_school_status ON terms (school_id, status)`,
	`CREATE TABLE IF NOT EXISTS students (
		id         TEXT PRIMARY KEY,
		school_id  TEXT NOT NULL,
		class_id   TEXT NOT NULL,
		first_name TEXT NOT NULL,
		last_name  TEXT NOT NULL,
		email      TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_students_class ON students (class_id, status)`,
}

// Migrate creates the tables used by the term and student repositories. The
// statements are idempotent and portable between sqlite3 and postgres.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, statement := range schema {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return types.WrapError(err, "failed to apply schema")
		}
	}
	return nil
}
