// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides client/task/result/login persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS clients (
			id        TEXT PRIMARY KEY,
			ip        TEXT NOT NULL DEFAULT '',
			hostname  TEXT NOT NULL DEFAULT '',
			status    TEXT NOT NULL,
			country   TEXT,
			city      TEXT,
			lat       REAL,
			lon       REAL,
			tags      TEXT NOT NULL DEFAULT '[]',
			last_seen TEXT NOT NULL,

			CHECK (status IN ('ONLINE', 'OFFLINE'))
		);

		CREATE INDEX IF NOT EXISTS idx_clients_status ON clients(status);

		CREATE TABLE IF NOT EXISTS tasks (
			id         TEXT PRIMARY KEY,
			client_id  TEXT NOT NULL,
			command    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_client ON tasks(client_id, created_at);

		CREATE TABLE IF NOT EXISTS task_results (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL UNIQUE REFERENCES tasks(id) ON DELETE CASCADE,
			output      TEXT NOT NULL,
			received_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS login_events (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL,
			success    INTEGER NOT NULL,
			ip         TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_login_events_created
			ON login_events(created_at DESC);

		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role          TEXT NOT NULL,
			created_at    TEXT NOT NULL,

			CHECK (role IN ('admin', 'viewer'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// encodeTags serializes tags to the JSON text stored in the tags column.
func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	return string(data), nil
}

// decodeTags parses the JSON tags column.
func decodeTags(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	return tags, nil
}

// UpsertClient inserts a client row or replaces its connection-owned fields.
// Tags are preserved on update: they belong to operators, not the connection.
func (s *SQLiteStore) UpsertClient(ctx context.Context, client *Client) error {
	query := `
		INSERT INTO clients (id, ip, hostname, status, country, city, lat, lon, tags, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ip = excluded.ip,
			hostname = excluded.hostname,
			status = excluded.status,
			country = excluded.country,
			city = excluded.city,
			lat = excluded.lat,
			lon = excluded.lon,
			last_seen = excluded.last_seen
	`

	tags, err := encodeTags(client.Tags)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query,
		client.ID,
		client.IP,
		client.Hostname,
		client.Status,
		client.Country,
		client.City,
		client.Lat,
		client.Lon,
		tags,
		client.LastSeen.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting client: %w", err)
	}

	s.logger.Debug("upserted client", "id", client.ID, "status", client.Status)
	return nil
}

// scanClient reads one client row.
func scanClient(scan func(dest ...any) error) (*Client, error) {
	var c Client
	var tagsRaw, lastSeenStr string

	if err := scan(&c.ID, &c.IP, &c.Hostname, &c.Status, &c.Country, &c.City, &c.Lat, &c.Lon, &tagsRaw, &lastSeenStr); err != nil {
		return nil, err
	}

	tags, err := decodeTags(tagsRaw)
	if err != nil {
		return nil, err
	}
	c.Tags = tags

	c.LastSeen, err = time.Parse(time.RFC3339, lastSeenStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}

	return &c, nil
}

const clientColumns = `id, ip, hostname, status, country, city, lat, lon, tags, last_seen`

// GetClient retrieves a client by ID.
// Returns ErrNotFound if the client doesn't exist.
func (s *SQLiteStore) GetClient(ctx context.Context, id string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)

	client, err := scanClient(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	return client, nil
}

// ListClients returns all clients ordered by most recent activity.
func (s *SQLiteStore) ListClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		client, err := scanClient(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning client row: %w", err)
		}
		clients = append(clients, client)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating client rows: %w", err)
	}
	return clients, nil
}

// SetClientStatus transitions a client's liveness status.
// Returns ErrNotFound if the client doesn't exist.
func (s *SQLiteStore) SetClientStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE clients SET status = ?, last_seen = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating client status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("set client status", "id", id, "status", status)
	return nil
}

// UpdateClientGeo applies geolocation fields to a client record.
// Returns ErrNotFound if the client doesn't exist.
func (s *SQLiteStore) UpdateClientGeo(ctx context.Context, id string, country, city string, lat, lon float64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE clients SET country = ?, city = ?, lat = ?, lon = ? WHERE id = ?`,
		country, city, lat, lon, id,
	)
	if err != nil {
		return fmt.Errorf("updating client geo: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateClient applies an operator edit to a client record and returns the
// updated row. Returns ErrNotFound if the client doesn't exist.
func (s *SQLiteStore) UpdateClient(ctx context.Context, id string, update ClientUpdate) (*Client, error) {
	sets := []string{}
	args := []any{}

	if update.Hostname != nil {
		sets = append(sets, "hostname = ?")
		args = append(args, *update.Hostname)
	}
	if update.IP != nil {
		sets = append(sets, "ip = ?")
		args = append(args, *update.IP)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.Tags != nil {
		tags, err := encodeTags(update.Tags)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "tags = ?")
		args = append(args, tags)
	}

	if len(sets) > 0 {
		args = append(args, id)
		query := `UPDATE clients SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`

		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("updating client: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("getting rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return nil, ErrNotFound
		}
	}

	return s.GetClient(ctx, id)
}

// CreateTask creates a new task row.
// Returns ErrDuplicate if a task with the same ID exists.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, client_id, command, created_at) VALUES (?, ?, ?, ?)`,
		task.ID,
		task.ClientID,
		task.Command,
		task.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "client_id", task.ClientID)
	return nil
}

// scanTask reads one task row (without result).
func scanTask(scan func(dest ...any) error) (*Task, error) {
	var t Task
	var createdAtStr string

	if err := scan(&t.ID, &t.ClientID, &t.Command, &createdAtStr); err != nil {
		return nil, err
	}

	var err error
	t.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &t, nil
}

// GetTask retrieves a task by ID, including its result if one exists.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, command, created_at FROM tasks WHERE id = ?`, id)

	task, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	result, err := s.GetTaskResult(ctx, id)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	task.Result = result

	return task, nil
}

// listTasks runs a task query and attaches results in a second pass.
func (s *SQLiteStore) listTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}

	for _, task := range tasks {
		result, err := s.GetTaskResult(ctx, task.ID)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		task.Result = result
	}

	return tasks, nil
}

// ListTasks returns tasks ordered newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listTasks(ctx,
		`SELECT id, client_id, command, created_at FROM tasks ORDER BY created_at DESC LIMIT ?`,
		limit)
}

// ListTasksForClient returns tasks for one client, newest first.
func (s *SQLiteStore) ListTasksForClient(ctx context.Context, clientID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listTasks(ctx,
		`SELECT id, client_id, command, created_at FROM tasks WHERE client_id = ? ORDER BY created_at DESC LIMIT ?`,
		clientID, limit)
}

// UpdateTask replaces a task's command text and returns the updated task.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id, command string) (*Task, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE tasks SET command = ? WHERE id = ?`, command, id)
	if err != nil {
		return nil, fmt.Errorf("updating task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	s.logger.Debug("updated task", "id", id)
	return s.GetTask(ctx, id)
}

// DeleteTask removes a task and its result, returning the deleted record.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) (*Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("deleting task: %w", err)
	}

	s.logger.Debug("deleted task", "id", id)
	return task, nil
}

// CreateTaskResult persists a task result.
// Returns ErrDuplicate if the task already has a result.
func (s *SQLiteStore) CreateTaskResult(ctx context.Context, result *TaskResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_results (id, task_id, output, received_at) VALUES (?, ?, ?, ?)`,
		result.ID,
		result.TaskID,
		result.Output,
		result.ReceivedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting task result: %w", err)
	}

	s.logger.Debug("created task result", "task_id", result.TaskID)
	return nil
}

// GetTaskResult retrieves the result for a task.
// Returns ErrNotFound if the task has no result.
func (s *SQLiteStore) GetTaskResult(ctx context.Context, taskID string) (*TaskResult, error) {
	var r TaskResult
	var receivedAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, output, received_at FROM task_results WHERE task_id = ?`, taskID,
	).Scan(&r.ID, &r.TaskID, &r.Output, &receivedAtStr)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task result: %w", err)
	}

	r.ReceivedAt, err = time.Parse(time.RFC3339, receivedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing received_at: %w", err)
	}
	return &r, nil
}

// AppendLoginEvent records a login attempt. Rows are immutable once written.
func (s *SQLiteStore) AppendLoginEvent(ctx context.Context, event *LoginEvent) error {
	success := 0
	if event.Success {
		success = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO login_events (id, email, success, ip, created_at) VALUES (?, ?, ?, ?, ?)`,
		event.ID,
		event.Email,
		success,
		event.IP,
		event.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting login event: %w", err)
	}
	return nil
}

// ListLoginEvents returns login events newest first.
func (s *SQLiteStore) ListLoginEvents(ctx context.Context, limit int) ([]*LoginEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, success, ip, created_at FROM login_events ORDER BY created_at DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("querying login events: %w", err)
	}
	defer rows.Close()

	var events []*LoginEvent
	for rows.Next() {
		var e LoginEvent
		var success int
		var createdAtStr string

		if err := rows.Scan(&e.ID, &e.Email, &success, &e.IP, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning login event row: %w", err)
		}
		e.Success = success != 0

		e.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating login event rows: %w", err)
	}
	return events, nil
}

// CreateUser creates an operator account.
// Returns ErrDuplicate if the email is already registered.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Role,
		user.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Info("created user", "email", user.Email, "role", user.Role)
	return nil
}

// GetUserByEmail retrieves a user by email.
// Returns ErrNotFound if no such user exists.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	var createdAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE email = ?`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &createdAtStr)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	u.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
