package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	memerrors "github.com/trapias/memoria/internal/errors"
)

// migration is one forward-only schema step, identified by version and
// checksummed so a changed migration body is caught rather than silently
// skipped on a database that already recorded it as applied.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "relations and rejected_suggestions tables",
		SQL: `
			CREATE TABLE IF NOT EXISTS relations (
				id          UUID PRIMARY KEY,
				source_id   UUID NOT NULL,
				target_id   UUID NOT NULL,
				type        TEXT NOT NULL,
				weight      DOUBLE PRECISION NOT NULL,
				created_by  TEXT NOT NULL,
				created_at  TIMESTAMPTZ NOT NULL,
				metadata    JSONB NOT NULL DEFAULT '{}',
				UNIQUE (source_id, target_id, type)
			);
			CREATE INDEX IF NOT EXISTS idx_relations_source ON relations (source_id);
			CREATE INDEX IF NOT EXISTS idx_relations_target ON relations (target_id);
			CREATE INDEX IF NOT EXISTS idx_relations_type ON relations (type);

			CREATE TABLE IF NOT EXISTS rejected_suggestions (
				source_id UUID NOT NULL,
				target_id UUID NOT NULL,
				type      TEXT NOT NULL,
				rejected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				PRIMARY KEY (source_id, target_id, type)
			);
		`,
	},
}

// RunMigrations applies every migration not yet recorded in
// schema_migrations, in version order, each inside its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			checksum    TEXT NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return &memerrors.RelationalError{Kind: memerrors.RelMigrationError, Op: "create_schema_migrations", Err: err}
	}

	for _, m := range migrations {
		checksum := checksumOf(m.SQL)

		var existingChecksum string
		err := db.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = $1`, m.Version).Scan(&existingChecksum)
		switch {
		case err == nil:
			if existingChecksum != checksum {
				return &memerrors.RelationalError{
					Kind: memerrors.RelMigrationError,
					Op:   fmt.Sprintf("migration %d checksum mismatch", m.Version),
				}
			}
			continue
		case err != sql.ErrNoRows:
			return &memerrors.RelationalError{Kind: memerrors.RelMigrationError, Op: "check_migration", Err: err}
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return &memerrors.RelationalError{Kind: memerrors.RelMigrationError, Op: "begin_migration", Err: err}
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return &memerrors.RelationalError{Kind: memerrors.RelMigrationError, Op: fmt.Sprintf("apply_migration_%d", m.Version), Err: err}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, description, checksum) VALUES ($1, $2, $3)`,
			m.Version, m.Description, checksum); err != nil {
			_ = tx.Rollback()
			return &memerrors.RelationalError{Kind: memerrors.RelMigrationError, Op: "record_migration", Err: err}
		}
		if err := tx.Commit(); err != nil {
			return &memerrors.RelationalError{Kind: memerrors.RelMigrationError, Op: "commit_migration", Err: err}
		}
	}
	return nil
}

func checksumOf(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}
