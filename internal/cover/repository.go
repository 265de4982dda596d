package cover

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/nerrad567/mappedcover/internal/infrastructure/database"
)

// Repository provides SQLite persistence for cover configurations.
// Only configuration is stored; live state stays on the bus.
type Repository struct {
	db *database.DB
}

// NewRepository creates a repository backed by the given database.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Create stores a new cover configuration.
//
// An empty ID is replaced with a generated UUID. The source
// protocol/address pair must be unique across all covers.
//
// Returns:
//   - error: ErrDuplicateSource if the source is already mapped,
//     validation errors from Cover.Validate, or a wrapped SQL error
func (r *Repository) Create(ctx context.Context, c *Cover) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = "cover-" + uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO covers (
			id, name, source_protocol, source_address,
			min_position, max_position, min_tilt, max_tilt,
			close_tilt_if_down, tilt_during_move, throttle_ms,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.SourceProtocol, c.SourceAddress,
		c.MinPosition, c.MaxPosition, c.MinTilt, c.MaxTilt,
		boolToInt(c.CloseTiltIfDown), boolToInt(c.TiltDuringMove), c.ThrottleMs,
		c.CreatedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateSource, c.SourceProtocol, c.SourceAddress)
		}
		return fmt.Errorf("creating cover: %w", err)
	}
	return nil
}

// Get retrieves a cover configuration by ID.
//
// Returns:
//   - error: ErrNotFound if no cover has this ID
func (r *Repository) Get(ctx context.Context, id string) (*Cover, error) {
	row := r.db.QueryRowContext(ctx, selectCover+" WHERE id = ?", id)
	c, err := scanCover(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("getting cover: %w", err)
	}
	return c, nil
}

// List retrieves all cover configurations, ordered by name.
func (r *Repository) List(ctx context.Context) ([]*Cover, error) {
	rows, err := r.db.QueryContext(ctx, selectCover+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing covers: %w", err)
	}
	defer rows.Close()

	var covers []*Cover
	for rows.Next() {
		c, err := scanCover(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cover: %w", err)
		}
		covers = append(covers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating covers: %w", err)
	}
	return covers, nil
}

// Update replaces a cover configuration. The ID and CreatedAt are
// preserved; UpdatedAt is refreshed.
//
// Returns:
//   - error: ErrNotFound if no cover has this ID, ErrDuplicateSource if
//     the new source pair collides with another cover
func (r *Repository) Update(ctx context.Context, c *Cover) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE covers SET
			name = ?, source_protocol = ?, source_address = ?,
			min_position = ?, max_position = ?, min_tilt = ?, max_tilt = ?,
			close_tilt_if_down = ?, tilt_during_move = ?, throttle_ms = ?,
			updated_at = ?
		WHERE id = ?`,
		c.Name, c.SourceProtocol, c.SourceAddress,
		c.MinPosition, c.MaxPosition, c.MinTilt, c.MaxTilt,
		boolToInt(c.CloseTiltIfDown), boolToInt(c.TiltDuringMove), c.ThrottleMs,
		c.UpdatedAt.Format(time.RFC3339), c.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateSource, c.SourceProtocol, c.SourceAddress)
		}
		return fmt.Errorf("updating cover: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating cover: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	return nil
}

// Delete removes a cover configuration.
//
// Returns:
//   - error: ErrNotFound if no cover has this ID
func (r *Repository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM covers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting cover: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting cover: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectCover = `
	SELECT id, name, source_protocol, source_address,
	       min_position, max_position, min_tilt, max_tilt,
	       close_tilt_if_down, tilt_during_move, throttle_ms,
	       created_at, updated_at
	FROM covers`

// scanner abstracts sql.Row and sql.Rows for scanCover.
type scanner interface {
	Scan(dest ...any) error
}

// scanCover reads one covers row into a Cover.
func scanCover(row scanner) (*Cover, error) {
	var (
		c                    Cover
		closeTilt, tiltMove  int
		createdAt, updatedAt string
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.SourceProtocol, &c.SourceAddress,
		&c.MinPosition, &c.MaxPosition, &c.MinTilt, &c.MaxTilt,
		&closeTilt, &tiltMove, &c.ThrottleMs,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.CloseTiltIfDown = closeTilt != 0
	c.TiltDuringMove = tiltMove != 0
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
