// Package storage provides SQLite-backed persistence for accounts, the token index,
// point balances, container telemetry and reward history.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/recyclekiosk/internal/models"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an account does not exist.
var ErrNotFound = errors.New("not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/recyclekiosk/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "recyclekiosk", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id     TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			points      INTEGER NOT NULL DEFAULT 0,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			uid         TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL REFERENCES accounts(user_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS containers (
			container_id TEXT PRIMARY KEY,
			device_id    TEXT,
			distance_cm  REAL NOT NULL,
			fill_percent REAL NOT NULL,
			state        TEXT NOT NULL,
			reported_ts  INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rewards (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			material       TEXT NOT NULL,
			points         INTEGER NOT NULL,
			balance_before INTEGER NOT NULL,
			balance_after  INTEGER NOT NULL,
			created_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rewards_created_at ON rewards(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertAccount creates an account or renames an existing one. Balances are untouched.
func (s *Storage) UpsertAccount(ctx context.Context, userID, name string) error {
	if userID == "" {
		return errors.New("user ID must not be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, name, points, updated_at) VALUES (?,?,0,?)
		ON CONFLICT(user_id) DO UPDATE SET name=excluded.name, updated_at=excluded.updated_at`,
		userID, name, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// LinkToken maps a token uid to an existing account, replacing any previous mapping.
func (s *Storage) LinkToken(ctx context.Context, uid, userID string) error {
	uid = models.NormalizeUID(uid)
	if uid == "" {
		return errors.New("token uid must not be empty")
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO tokens (uid, user_id) VALUES (?,?)`, uid, userID)
	if err != nil {
		return fmt.Errorf("failed to link token: %w", err)
	}
	return nil
}

// Resolve maps a token uid to its account. It returns nil, nil for unregistered tokens.
func (s *Storage) Resolve(ctx context.Context, uid string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.user_id, a.name, a.points
		FROM tokens t JOIN accounts a ON a.user_id = t.user_id
		WHERE t.uid = ?`, models.NormalizeUID(uid))

	var a models.Account
	err := row.Scan(&a.UserID, &a.Name, &a.Points)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token: %w", err)
	}
	return &a, nil
}

// GetAccount loads an account by user id.
func (s *Storage) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, name, points FROM accounts WHERE user_id = ?`, userID)
	var a models.Account
	err := row.Scan(&a.UserID, &a.Name, &a.Points)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// Balance returns the current point balance for userID.
func (s *Storage) Balance(ctx context.Context, userID string) (int, error) {
	a, err := s.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return a.Points, nil
}

// Credit adds points to userID and returns the new balance. The update either
// commits entirely or leaves the balance unchanged.
func (s *Storage) Credit(ctx context.Context, userID string, points int) (int, error) {
	if points <= 0 {
		return 0, fmt.Errorf("points must be positive, got %d", points)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET points = points + ?, updated_at = ? WHERE user_id = ?`,
		points, time.Now().UnixNano(), userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to credit account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}

	var balance int
	if err := tx.QueryRowContext(ctx, `SELECT points FROM accounts WHERE user_id = ?`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to read new balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit credit: %w", err)
	}
	return balance, nil
}

// SaveContainer overwrites the stored record for a container.
func (s *Storage) SaveContainer(ctx context.Context, c models.ContainerTelemetry) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid container telemetry: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO containers
			(container_id, device_id, distance_cm, fill_percent, state, reported_ts, updated_at)
		VALUES (?,?,?,?,?,?,?)`,
		c.ContainerID, c.DeviceID, c.DistanceCm, c.FillPercent, string(c.State),
		c.Timestamp, c.LastUpdated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save container: %w", err)
	}
	return nil
}

// ListContainers returns every stored container ordered by id.
func (s *Storage) ListContainers(ctx context.Context) ([]models.ContainerTelemetry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT container_id, device_id, distance_cm, fill_percent, state, reported_ts, updated_at
		FROM containers ORDER BY container_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query containers: %w", err)
	}
	defer rows.Close()

	containers := []models.ContainerTelemetry{}
	for rows.Next() {
		var c models.ContainerTelemetry
		var deviceID sql.NullString
		var state string
		var updatedAtNano int64
		if err := rows.Scan(&c.ContainerID, &deviceID, &c.DistanceCm, &c.FillPercent, &state, &c.Timestamp, &updatedAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan container: %w", err)
		}
		c.DeviceID = deviceID.String
		c.State = models.ContainerState(state)
		c.LastUpdated = time.Unix(0, updatedAtNano)
		containers = append(containers, c)
	}
	return containers, rows.Err()
}

// AddReward appends a credited reward to the history.
func (s *Storage) AddReward(ctx context.Context, r *models.RewardEvent) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid reward: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rewards
			(id, user_id, material, points, balance_before, balance_after, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		r.ID, r.UserID, string(r.Material), r.PointsAwarded, r.BalanceBefore, r.BalanceAfter,
		r.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reward: %w", err)
	}
	return nil
}

// RewardTotals returns how many rewards were granted since the given time and the
// points they awarded.
func (s *Storage) RewardTotals(ctx context.Context, since time.Time) (count int, points int, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(points), 0) FROM rewards WHERE created_at >= ?`,
		since.UnixNano(),
	)
	if err := row.Scan(&count, &points); err != nil {
		return 0, 0, fmt.Errorf("failed to total rewards: %w", err)
	}
	return count, points, nil
}
