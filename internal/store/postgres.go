package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"sketchsync/api/internal/command"
	"sketchsync/api/internal/protocol"
)

var (
	ErrNotFound = errors.New("sketch not found")
	ErrConflict = errors.New("sketch already exists")
)

const uniqueViolation = "23505"

const sketchColumns = `id, name, owner_id, color, position_x, position_y, zoom, branched_from, branched_at, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSketch(row rowScanner) (Sketch, error) {
	var item Sketch
	err := row.Scan(
		&item.ID, &item.Name, &item.OwnerID, &item.Color,
		&item.PositionX, &item.PositionY, &item.Zoom,
		&item.BranchedFrom, &item.BranchedAt,
		&item.CreatedAt, &item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) CreateSketch(ctx context.Context, item Sketch) (Sketch, error) {
	if item.Zoom == 0 {
		item.Zoom = 1
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sketches (id, name, owner_id, color, position_x, position_y, zoom, branched_from, branched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+sketchColumns,
		item.ID, item.Name, item.OwnerID, item.Color, item.PositionX, item.PositionY, item.Zoom, item.BranchedFrom, item.BranchedAt)
	created, err := scanSketch(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Sketch{}, ErrConflict
		}
		return Sketch{}, fmt.Errorf("insert sketch: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetSketch(ctx context.Context, sketchID string) (Sketch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sketchColumns+` FROM sketches WHERE id=$1`, sketchID)
	item, err := scanSketch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Sketch{}, ErrNotFound
	}
	if err != nil {
		return Sketch{}, fmt.Errorf("get sketch: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) SketchExists(ctx context.Context, sketchID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sketches WHERE id=$1)`, sketchID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check sketch: %w", err)
	}
	return exists, nil
}

// ListSketches returns the most recently updated sketches first. A limit of
// zero lists all of them.
func (s *PostgresStore) ListSketches(ctx context.Context, limit int) ([]Sketch, error) {
	return s.querySketches(ctx, `
		SELECT `+sketchColumns+`
		FROM sketches
		ORDER BY updated_at DESC
		LIMIT NULLIF($1::int, 0)
	`, limit)
}

// SearchSketches matches names case-insensitively. It backs search when
// Meilisearch is unavailable.
func (s *PostgresStore) SearchSketches(ctx context.Context, query string, limit int) ([]Sketch, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	return s.querySketches(ctx, `
		SELECT `+sketchColumns+`
		FROM sketches
		WHERE name ILIKE $2
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit, pattern)
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

func (s *PostgresStore) querySketches(ctx context.Context, query string, args ...any) ([]Sketch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sketches: %w", err)
	}
	defer rows.Close()

	items := make([]Sketch, 0)
	for rows.Next() {
		item, err := scanSketch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sketch: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sketches: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RenameSketch(ctx context.Context, sketchID, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sketches SET name=$2, updated_at=NOW() WHERE id=$1`, sketchID, name)
	if err != nil {
		return fmt.Errorf("rename sketch: %w", err)
	}
	return expectRow(res)
}

// UpdateSketchView applies the non-nil fields of meta.
func (s *PostgresStore) UpdateSketchView(ctx context.Context, sketchID string, meta protocol.Meta) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sketches
		SET color=COALESCE($2, color),
			position_x=COALESCE($3, position_x),
			position_y=COALESCE($4, position_y),
			zoom=COALESCE($5, zoom),
			updated_at=NOW()
		WHERE id=$1
	`, sketchID, meta.Color, meta.PositionX, meta.PositionY, meta.Zoom)
	if err != nil {
		return fmt.Errorf("update sketch view: %w", err)
	}
	return expectRow(res)
}

// DeleteSketch removes the sketch and its command log record.
func (s *PostgresStore) DeleteSketch(ctx context.Context, sketchID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete sketch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sketch_commands WHERE sketch_id=$1`, sketchID); err != nil {
		return fmt.Errorf("delete sketch commands: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sketches WHERE id=$1`, sketchID)
	if err != nil {
		return fmt.Errorf("delete sketch: %w", err)
	}
	if err := expectRow(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete sketch: %w", err)
	}
	return nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Write replaces the stored command log of sketchID.
func (s *PostgresStore) Write(ctx context.Context, sketchID string, cmds []command.Command) error {
	if cmds == nil {
		cmds = []command.Command{}
	}
	data, err := json.Marshal(cmds)
	if err != nil {
		return fmt.Errorf("marshal commands: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sketch_commands (sketch_id, commands, command_count, updated_at)
		VALUES ($1, $2::jsonb, $3, NOW())
		ON CONFLICT (sketch_id) DO UPDATE
		SET commands=EXCLUDED.commands, command_count=EXCLUDED.command_count, updated_at=NOW()
	`, sketchID, string(data), len(cmds))
	if err != nil {
		return fmt.Errorf("write commands: %w", err)
	}
	return nil
}

// Read returns the stored command log of sketchID, or an empty log when none
// has been written.
func (s *PostgresStore) Read(ctx context.Context, sketchID string) ([]command.Command, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT commands FROM sketch_commands WHERE sketch_id=$1`, sketchID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return []command.Command{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read commands: %w", err)
	}
	var cmds []command.Command
	if err := json.Unmarshal(data, &cmds); err != nil {
		return nil, fmt.Errorf("unmarshal commands: %w", err)
	}
	if cmds == nil {
		cmds = []command.Command{}
	}
	return cmds, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
