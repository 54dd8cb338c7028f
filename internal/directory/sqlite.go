package directory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaydesk/handoff/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteDirectory implements Directory using SQLite. State transitions are
// guarded UPDATE statements so the queued-state re-check at connect time is
// a single atomic write.
type SQLiteDirectory struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed directory.
func NewSQLite(dbPath string) (*SQLiteDirectory, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	dir := &SQLiteDirectory{db: db}
	if err := dir.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return dir, nil
}

func (d *SQLiteDirectory) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS handoff_users (
		identity TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		conversation TEXT NOT NULL,
		state TEXT NOT NULL,
		agent_identity TEXT,
		agent_display_name TEXT,
		agent_conversation TEXT,
		queued_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_handoff_users_state ON handoff_users(state) WHERE state = 'queued_for_agent';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_handoff_users_agent ON handoff_users(agent_identity) WHERE agent_identity IS NOT NULL;

	CREATE TABLE IF NOT EXISTS handoff_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT NOT NULL,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_handoff_messages_identity ON handoff_messages(identity, id);
	`
	if _, err := d.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const userColumns = `identity, display_name, conversation, state,
       agent_identity, agent_display_name, agent_conversation,
       queued_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.HandoffUser, error) {
	var user domain.HandoffUser
	var agentIdentity, agentName, agentConversation sql.NullString
	var queuedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&user.Identity, &user.DisplayName, &user.Address.Conversation, &user.State,
		&agentIdentity, &agentName, &agentConversation,
		&queuedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	user.Address.Identity = user.Identity
	user.Address.DisplayName = user.DisplayName
	if agentIdentity.Valid {
		user.AgentLink = &domain.Address{
			Identity:     agentIdentity.String,
			DisplayName:  agentName.String,
			Conversation: agentConversation.String,
		}
	}
	if queuedAt.Valid {
		at := time.Unix(queuedAt.Int64, 0)
		user.QueuedAt = &at
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// FindOrCreate returns the record for addr.Identity, inserting a fresh
// ConnectedToBot record if none exists. The upsert keeps creation
// idempotent under concurrent first messages from the same identity.
func (d *SQLiteDirectory) FindOrCreate(ctx context.Context, addr domain.Address) (*domain.HandoffUser, error) {
	now := time.Now().Unix()
	insert := `
	INSERT INTO handoff_users (identity, display_name, conversation, state, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(identity) DO NOTHING`

	if _, err := d.db.ExecContext(ctx, insert,
		addr.Identity, addr.DisplayName, addr.Conversation, domain.ConnectedToBot, now, now,
	); err != nil {
		return nil, fmt.Errorf("insert handoff user: %w", err)
	}

	row := d.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM handoff_users WHERE identity = ?`, addr.Identity)
	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("scan handoff user: %w", err)
	}
	return user, nil
}

// AppendMessage appends one transcript entry.
func (d *SQLiteDirectory) AppendMessage(ctx context.Context, identity, speaker, text string) error {
	query := `INSERT INTO handoff_messages (identity, speaker, text, created_at) VALUES (?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, query, identity, speaker, text, time.Now().Unix()); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Transcript returns the user's transcript, oldest first.
func (d *SQLiteDirectory) Transcript(ctx context.Context, identity string) ([]domain.Message, error) {
	query := `SELECT speaker, text FROM handoff_messages WHERE identity = ? ORDER BY id ASC`
	rows, err := d.db.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	var messages []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.Speaker, &m.Text); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return messages, nil
}

// FindByAgentLink returns the record linked to the given agent identity.
func (d *SQLiteDirectory) FindByAgentLink(ctx context.Context, agentIdentity string) (*domain.HandoffUser, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM handoff_users WHERE agent_identity = ?`, agentIdentity)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan linked user: %w", err)
	}
	return user, nil
}

// ListQueued returns all queued records.
func (d *SQLiteDirectory) ListQueued(ctx context.Context) ([]*domain.HandoffUser, error) {
	query := `SELECT ` + userColumns + ` FROM handoff_users WHERE state = ?`
	rows, err := d.db.QueryContext(ctx, query, domain.QueuedForAgent)
	if err != nil {
		return nil, fmt.Errorf("query queued users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close queued rows", "error", closeErr)
		}
	}()

	var users []*domain.HandoffUser
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queued row: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued users: %w", err)
	}
	return users, nil
}

// Enqueue moves a record into QueuedForAgent.
func (d *SQLiteDirectory) Enqueue(ctx context.Context, identity string, at time.Time) error {
	query := `UPDATE handoff_users SET state = ?, queued_at = ?, updated_at = ? WHERE identity = ? AND state = ?`
	return d.guardedUpdate(ctx, identity, ErrWrongState, query,
		domain.QueuedForAgent, at.Unix(), time.Now().Unix(), identity, domain.ConnectedToBot)
}

// Dequeue moves a queued record back to ConnectedToBot.
func (d *SQLiteDirectory) Dequeue(ctx context.Context, identity string) error {
	query := `UPDATE handoff_users SET state = ?, queued_at = NULL, updated_at = ? WHERE identity = ? AND state = ?`
	return d.guardedUpdate(ctx, identity, ErrNotQueued, query,
		domain.ConnectedToBot, time.Now().Unix(), identity, domain.QueuedForAgent)
}

// ConnectAgent links a queued record to an agent. The WHERE clause re-checks
// the queued state and the unique partial index on agent_identity rejects a
// second link for the same agent, so the pop is atomic.
func (d *SQLiteDirectory) ConnectAgent(ctx context.Context, identity string, agent domain.Address) error {
	query := `
	UPDATE handoff_users
	SET state = ?, agent_identity = ?, agent_display_name = ?, agent_conversation = ?,
	    queued_at = NULL, updated_at = ?
	WHERE identity = ? AND state = ?`

	err := d.guardedUpdate(ctx, identity, ErrNotQueued, query,
		domain.ConnectedToAgent, agent.Identity, agent.DisplayName, agent.Conversation,
		time.Now().Unix(), identity, domain.QueuedForAgent)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrAgentBusy
	}
	return err
}

// ConnectBot returns an agent-connected record to the bot.
func (d *SQLiteDirectory) ConnectBot(ctx context.Context, identity string) error {
	query := `
	UPDATE handoff_users
	SET state = ?, agent_identity = NULL, agent_display_name = NULL, agent_conversation = NULL,
	    queued_at = NULL, updated_at = ?
	WHERE identity = ? AND state = ?`
	return d.guardedUpdate(ctx, identity, ErrWrongState, query,
		domain.ConnectedToBot, time.Now().Unix(), identity, domain.ConnectedToAgent)
}

// guardedUpdate executes a state-guarded UPDATE, retrying on SQLITE_BUSY
// with exponential backoff. Zero rows affected means the guard failed:
// either the record is missing or it is not in the required state.
func (d *SQLiteDirectory) guardedUpdate(ctx context.Context, identity string, guardErr error, query string, args ...any) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		result, err := d.db.ExecContext(ctx, query, args...)
		if err != nil {
			if isBusyError(err) && i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<i)
				slog.Debug("guarded update hit SQLITE_BUSY, retrying",
					"identity", identity, "attempt", i+1, "delay", delay)
				time.Sleep(delay)
				lastErr = err
				continue
			}
			return fmt.Errorf("update handoff user: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			exists, existsErr := d.exists(ctx, identity)
			if existsErr != nil {
				return existsErr
			}
			if !exists {
				return ErrNotFound
			}
			return guardErr
		}
		return nil
	}
	return fmt.Errorf("update handoff user after %d attempts: %w", maxRetries, lastErr)
}

func (d *SQLiteDirectory) exists(ctx context.Context, identity string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx,
		`SELECT 1 FROM handoff_users WHERE identity = ?`, identity).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check handoff user exists: %w", err)
	}
	return true, nil
}

// isBusyError checks for SQLite concurrency errors that warrant a retry.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "database is locked")
}

// Ping verifies database connectivity.
func (d *SQLiteDirectory) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database connection.
func (d *SQLiteDirectory) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
