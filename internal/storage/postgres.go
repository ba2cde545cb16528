package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	memerrors "github.com/trapias/memoria/internal/errors"
	"github.com/trapias/memoria/internal/logging"
	"github.com/trapias/memoria/internal/resilience"
	"github.com/trapias/memoria/internal/types"
)

// PostgresConfig configures the relational store's connection.
type PostgresConfig struct {
	DSN           string
	PoolMin       int
	PoolMax       int
	PoolTimeout   time.Duration
	RunMigrations bool
}

// PostgresStore implements RelationalStore over database/sql + lib/pq. It
// leans on database/sql's own pool (SetMaxOpenConns/SetMaxIdleConns) rather
// than a bespoke connection pool, since lib/pq is a pure database/sql
// driver and the standard pool already gives min/max/idle-timeout knobs.
type PostgresStore struct {
	db      *sql.DB
	log     logging.Logger
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
	timeout time.Duration
}

// NewPostgresStore opens a connection pool and, when cfg.RunMigrations is
// set, runs pending migrations.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker, log logging.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMin)
	db.SetConnMaxLifetime(2 * time.Hour)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if log == nil {
		log = logging.Noop{}
	}
	s := &PostgresStore{db: db, log: log, limiter: limiter, breaker: breaker, timeout: cfg.PoolTimeout}

	if cfg.RunMigrations {
		if err := RunMigrations(ctx, db); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return s, nil
}

func (s *PostgresStore) guard(ctx context.Context, op string, fn func(context.Context) error) error {
	if s.limiter != nil {
		if err := s.limiter.Acquire(); err != nil {
			return err
		}
	}
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Call(ctx, fn)
}

type pgTx struct{ tx *sql.Tx }

func (t *pgTx) Commit() error   { return t.tx.Commit() }
func (t *pgTx) Rollback() error { return t.tx.Rollback() }

// txKey is used to stash the active *sql.Tx in ctx during WithTransaction so
// nested store calls made with that ctx join the same transaction.
type txKey struct{}

func (s *PostgresStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.guard(ctx, "with_transaction", func(ctx context.Context) error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return &memerrors.RelationalError{Kind: memerrors.RelPoolExhausted, Op: "begin_tx", Timeout: s.timeout, Err: err}
			}
			return &memerrors.RelationalError{Kind: memerrors.RelTransactionError, Op: "begin_tx", Err: err}
		}

		txCtx := context.WithValue(ctx, txKey{}, sqlTx)
		if err := fn(txCtx, &pgTx{tx: sqlTx}); err != nil {
			_ = sqlTx.Rollback()
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return &memerrors.RelationalError{Kind: memerrors.RelTransactionError, Op: "commit", Err: err}
		}
		return nil
	})
}

// execer returns the active transaction from ctx if WithTransaction is in
// progress, otherwise the store's shared *sql.DB.
func (s *PostgresStore) execer(ctx context.Context) interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
} {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) AddRelation(ctx context.Context, r types.Relation) error {
	return s.guard(ctx, "add_relation", func(ctx context.Context) error {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return &memerrors.InvalidInputError{Reason: "relation metadata not serializable"}
		}
		_, err = s.execer(ctx).ExecContext(ctx, `
			INSERT INTO relations (id, source_id, target_id, type, weight, created_by, created_at, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.ID, r.SourceID, r.TargetID, string(r.Type), r.Weight, string(r.CreatedBy), r.CreatedAt, meta)
		if err != nil {
			if isUniqueViolation(err) {
				return &memerrors.DuplicateRelationError{SourceID: r.SourceID.String(), TargetID: r.TargetID.String(), Type: string(r.Type)}
			}
			return &memerrors.RelationalError{Kind: memerrors.RelQueryError, Op: "add_relation", Err: err}
		}
		return nil
	})
}

func (s *PostgresStore) RemoveRelation(ctx context.Context, id uuid.UUID) error {
	return s.guard(ctx, "remove_relation", func(ctx context.Context) error {
		res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM relations WHERE id = $1`, id)
		if err != nil {
			return &memerrors.RelationalError{Kind: memerrors.RelQueryError, Op: "remove_relation", Err: err}
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &memerrors.NotFoundError{Resource: "relation", ID: id.String()}
		}
		return nil
	})
}

func (s *PostgresStore) DeleteRelationsBetween(ctx context.Context, sourceID, targetID uuid.UUID, relType *types.RelationType) (int, error) {
	var n int64
	err := s.guard(ctx, "delete_relations_between", func(ctx context.Context) error {
		query := `DELETE FROM relations WHERE source_id = $1 AND target_id = $2`
		args := []any{sourceID, targetID}
		if relType != nil {
			args = append(args, string(*relType))
			query += ` AND type = $3`
		}
		res, err := s.execer(ctx).ExecContext(ctx, query, args...)
		if err != nil {
			return &memerrors.RelationalError{Kind: memerrors.RelQueryError, Op: "delete_relations_between", Err: err}
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *PostgresStore) GetRelation(ctx context.Context, id uuid.UUID) (types.Relation, error) {
	var r types.Relation
	err := s.guard(ctx, "get_relation", func(ctx context.Context) error {
		row := s.execer(ctx).QueryRowContext(ctx, `
			SELECT id, source_id, target_id, type, weight, created_by, created_at, metadata
			FROM relations WHERE id = $1`, id)
		var err error
		r, err = scanRelation(row)
		return err
	})
	return r, err
}

func (s *PostgresStore) GetRelations(ctx context.Context, memoryID uuid.UUID, relType *types.RelationType, asSource, asTarget bool) ([]types.Relation, error) {
	var out []types.Relation
	err := s.guard(ctx, "get_relations", func(ctx context.Context) error {
		var clauses []string
		args := []any{memoryID}
		switch {
		case asSource && asTarget:
			clauses = append(clauses, "(source_id = $1 OR target_id = $1)")
		case asSource:
			clauses = append(clauses, "source_id = $1")
		case asTarget:
			clauses = append(clauses, "target_id = $1")
		default:
			clauses = append(clauses, "(source_id = $1 OR target_id = $1)")
		}
		if relType != nil {
			args = append(args, string(*relType))
			clauses = append(clauses, fmt.Sprintf("type = $%d", len(args)))
		}
		query := `SELECT id, source_id, target_id, type, weight, created_by, created_at, metadata FROM relations WHERE ` + strings.Join(clauses, " AND ")

		rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
		if err != nil {
			return &memerrors.RelationalError{Kind: memerrors.RelQueryError, Op: "get_relations", Err: err}
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRelationRows(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) UpdateRelationWeight(ctx context.Context, id uuid.UUID, weight float64) error {
	return s.guard(ctx, "update_relation_weight", func(ctx context.Context) error {
		res, err := s.execer(ctx).ExecContext(ctx, `UPDATE relations SET weight = $2 WHERE id = $1`, id, weight)
		if err != nil {
			return &memerrors.RelationalError{Kind: memerrors.RelQueryError, Op: "update_relation_weight", Err: err}
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &memerrors.NotFoundError{Resource: "relation", ID: id.String()}
		}
		return nil
	})
}

func (s *PostgresStore) RelationExists(ctx context.Context, sourceID, targetID uuid.UUID, relType types.RelationType) (bool, error) {
	var exists bool
	err := s.guard(ctx, "relation_exists", func(ctx context.Context) error {
		row := s.execer(ctx).QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM relations WHERE source_id = $1 AND target_id = $2 AND type = $3)`,
			sourceID, targetID, string(relType))
		return row.Scan(&exists)
	})
	return exists, err
}

func (s *PostgresStore) DeleteMemoryRelations(ctx context.Context, memoryID uuid.UUID) (int, error) {
	var n int64
	err := s.guard(ctx, "delete_memory_relations", func(ctx context.Context) error {
		res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM relations WHERE source_id = $1 OR target_id = $1`, memoryID)
		if err != nil {
			return &memerrors.RelationalError{Kind: memerrors.RelQueryError, Op: "delete_memory_relations", Err: err}
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *PostgresStore) CountRelations(ctx context.Context, memoryID uuid.UUID) (int, error) {
	var n int
	err := s.guard(ctx, "count_relations", func(ctx context.Context) error {
		row := s.execer(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM relations WHERE source_id = $1 OR target_id = $1`, memoryID)
		return row.Scan(&n)
	})
	return n, err
}

// GetNeighbors runs a recursive CTE that walks the relation graph
// breadth-first, tracking visited ids in an array to avoid cycles.
func (s *PostgresStore) GetNeighbors(ctx context.Context, memoryID uuid.UUID, maxDepth int, relTypes []types.RelationType) ([]NeighborRow, error) {
	var out []NeighborRow
	err := s.guard(ctx, "get_neighbors", func(ctx context.Context) error {
		typeFilter := ""
		args := []any{memoryID, maxDepth}
		if len(relTypes) > 0 {
			strs := make([]string, len(relTypes))
			for i, t := range relTypes {
				strs[i] = string(t)
			}
			args = append(args, pq.Array(strs))
			typeFilter = fmt.Sprintf("AND r.type = ANY($%d)", len(args))
		}

		query := fmt.Sprintf(`
			WITH RECURSIVE walk(memory_id, rel_id, source_id, target_id, type, weight, created_by, created_at, metadata, depth, visited) AS (
				SELECT
					CASE WHEN r.source_id = $1 THEN r.target_id ELSE r.source_id END,
					r.id, r.source_id, r.target_id, r.type, r.weight, r.created_by, r.created_at, r.metadata,
					1, ARRAY[$1]::uuid[]
				FROM relations r
				WHERE (r.source_id = $1 OR r.target_id = $1) %s

				UNION ALL

				SELECT
					CASE WHEN r.source_id = w.memory_id THEN r.target_id ELSE r.source_id END,
					r.id, r.source_id, r.target_id, r.type, r.weight, r.created_by, r.created_at, r.metadata,
					w.depth + 1, w.visited || w.memory_id
				FROM relations r
				JOIN walk w ON (r.source_id = w.memory_id OR r.target_id = w.memory_id)
				WHERE w.depth < $2
				  AND NOT (CASE WHEN r.source_id = w.memory_id THEN r.target_id ELSE r.source_id END = ANY(w.visited))
				  %s
			)
			SELECT DISTINCT ON (memory_id) memory_id, rel_id, source_id, target_id, type, weight, created_by, created_at, metadata, depth
			FROM walk
			ORDER BY memory_id, depth ASC`, typeFilter, typeFilter)

		rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
		if err != nil {
			return &memerrors.RelationalError{Kind: memerrors.RelQueryError, Op: "get_neighbors", Err: err}
		}
		defer rows.Close()
		for rows.Next() {
			var row NeighborRow
			var relTypeStr, createdByStr string
			var meta []byte
			if err := rows.Scan(&row.MemoryID, &row.Via.ID, &row.Via.SourceID, &row.Via.TargetID,
				&relTypeStr, &row.Via.Weight, &createdByStr, &row.Via.CreatedAt, &meta, &row.Depth); err != nil {
				return &memerrors.RelationalError{Kind: memerrors.RelQueryError, Op: "scan_neighbor", Err: err}
			}
			row.Via.Type = types.RelationType(relTypeStr)
			row.Via.CreatedBy = types.RelationCreator(createdByStr)
			_ = json.Unmarshal(meta, &row.Via.Metadata)
			out = append(out, row)
		}
		return rows.Err()
	})
	return out, err
}

// FindPath does a bounded breadth-first search for the shortest relation
// chain between source and target, reusing GetNeighbors one hop at a time
// so the search can short-circuit as soon as target is reached.
func (s *PostgresStore) FindPath(ctx context.Context, sourceID, targetID uuid.UUID, maxDepth int) ([]types.Relation, error) {
	type frontierEntry struct {
		id   uuid.UUID
		path []types.Relation
	}
	visited := map[uuid.UUID]bool{sourceID: true}
	frontier := []frontierEntry{{id: sourceID}}

	for depth := 0; depth < maxDepth; depth++ {
		var next []frontierEntry
		for _, entry := range frontier {
			neighbors, err := s.GetNeighbors(ctx, entry.id, 1, nil)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if visited[n.MemoryID] {
					continue
				}
				path := append(append([]types.Relation{}, entry.path...), n.Via)
				if n.MemoryID == targetID {
					return path, nil
				}
				visited[n.MemoryID] = true
				next = append(next, frontierEntry{id: n.MemoryID, path: path})
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return nil, nil
}

func (s *PostgresStore) AllMemoryIDsWithRelations(ctx context.Context) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := s.guard(ctx, "all_memory_ids_with_relations", func(ctx context.Context) error {
		rows, err := s.execer(ctx).QueryContext(ctx, `
			SELECT DISTINCT id FROM (
				SELECT source_id AS id FROM relations
				UNION
				SELECT target_id AS id FROM relations
			) ids`)
		if err != nil {
			return &memerrors.RelationalError{Kind: memerrors.RelQueryError, Op: "all_memory_ids_with_relations", Err: err}
		}
		defer rows.Close()
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) RecordRejectedSuggestion(ctx context.Context, r types.RejectedSuggestion) error {
	return s.guard(ctx, "record_rejected_suggestion", func(ctx context.Context) error {
		_, err := s.execer(ctx).ExecContext(ctx, `
			INSERT INTO rejected_suggestions (source_id, target_id, type)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, r.SourceID, r.TargetID, string(r.Type))
		if err != nil {
			return &memerrors.RelationalError{Kind: memerrors.RelQueryError, Op: "record_rejected_suggestion", Err: err}
		}
		return nil
	})
}

func (s *PostgresStore) IsRejectedSuggestion(ctx context.Context, sourceID, targetID uuid.UUID, relType types.RelationType) (bool, error) {
	var exists bool
	err := s.guard(ctx, "is_rejected_suggestion", func(ctx context.Context) error {
		row := s.execer(ctx).QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM rejected_suggestions WHERE source_id = $1 AND target_id = $2 AND type = $3)`,
			sourceID, targetID, string(relType))
		return row.Scan(&exists)
	})
	return exists, err
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &memerrors.RelationalError{Kind: memerrors.RelConnectionError, Op: "health_check", Err: err}
	}
	return nil
}

// --- scan / conversion helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelation(row rowScanner) (types.Relation, error) {
	return scanRelationRows(row)
}

func scanRelationRows(row rowScanner) (types.Relation, error) {
	var r types.Relation
	var typeStr, createdByStr string
	var meta []byte
	err := row.Scan(&r.ID, &r.SourceID, &r.TargetID, &typeStr, &r.Weight, &createdByStr, &r.CreatedAt, &meta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, &memerrors.NotFoundError{Resource: "relation", ID: ""}
		}
		return r, &memerrors.RelationalError{Kind: memerrors.RelQueryError, Op: "scan_relation", Err: err}
	}
	r.Type = types.RelationType(typeStr)
	r.CreatedBy = types.RelationCreator(createdByStr)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &r.Metadata)
	}
	return r, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "unique constraint")
}
