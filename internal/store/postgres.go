package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Username, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// Boards

func (s *PostgresStore) CreateBoard(ctx context.Context, board Board) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create board: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO boards (id, name, created_by)
		VALUES ($1, $2, $3)
	`, board.ID, board.Name, board.CreatedBy); err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO board_members (board_id, user_id)
		VALUES ($1, $2)
	`, board.ID, board.CreatedBy); err != nil {
		return fmt.Errorf("insert creator membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create board: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var board Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_by, created_at, updated_at
		FROM boards
		WHERE id=$1
	`, boardID).Scan(&board.ID, &board.Name, &board.CreatedBy, &board.CreatedAt, &board.UpdatedAt)
	if err != nil {
		return Board{}, err
	}
	return board, nil
}

// JoinBoard adds the user to the board's durable membership. It reports
// whether a new membership row was created. The board row is locked for
// the duration of the check so concurrent joins cannot overshoot the cap.
func (s *PostgresStore) JoinBoard(ctx context.Context, boardID, userID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin join board: %w", err)
	}
	defer tx.Rollback()

	var id string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM boards WHERE id=$1 FOR UPDATE`, boardID).Scan(&id); err != nil {
		return false, err
	}

	var isMember bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM board_members WHERE board_id=$1 AND user_id=$2)
	`, boardID, userID).Scan(&isMember); err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	if isMember {
		return false, tx.Commit()
	}

	var memberCount int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM board_members WHERE board_id=$1`, boardID).Scan(&memberCount); err != nil {
		return false, fmt.Errorf("count members: %w", err)
	}
	if memberCount >= MaxBoardMembers {
		return false, ErrBoardFull
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO board_members (board_id, user_id)
		VALUES ($1, $2)
	`, boardID, userID); err != nil {
		return false, fmt.Errorf("insert membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit join board: %w", err)
	}
	return true, nil
}

// ListBoardMembers returns durable membership in join order. Smart
// assignment depends on this order for its tie-break.
func (s *PostgresStore) ListBoardMembers(ctx context.Context, boardID string) ([]BoardMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bm.user_id, u.username, bm.joined_at
		FROM board_members bm
		JOIN users u ON u.id = bm.user_id
		WHERE bm.board_id=$1
		ORDER BY bm.joined_at, bm.user_id
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list board members: %w", err)
	}
	defer rows.Close()

	members := make([]BoardMember, 0)
	for rows.Next() {
		var member BoardMember
		if err := rows.Scan(&member.UserID, &member.Username, &member.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan board member: %w", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate board members: %w", err)
	}
	return members, nil
}

// Tasks

const taskColumns = `id, board_id, title, description, status, priority, assigned_to, created_by, version, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var task Task
	err := row.Scan(
		&task.ID,
		&task.BoardID,
		&task.Title,
		&task.Description,
		&task.Status,
		&task.Priority,
		&task.AssignedTo,
		&task.CreatedBy,
		&task.Version,
		&task.CreatedAt,
		&task.LastUpdated,
	)
	return task, err
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, board_id, title, description, status, priority, assigned_to, created_by, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		RETURNING `+taskColumns+`
	`, task.ID, task.BoardID, task.Title, task.Description, task.Status, task.Priority, task.AssignedTo, task.CreatedBy)
	created, err := scanTask(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Task{}, ErrDuplicateTitle
		}
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	return scanTask(row)
}

func (s *PostgresStore) ListTasksByBoard(ctx context.Context, boardID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE board_id=$1
		ORDER BY created_at DESC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTaskVersioned applies a partial field set if and only if the
// persisted version still equals expectedVersion. The comparison and the
// increment happen in a single UPDATE, so the database is the arbiter
// between racing writers. On mismatch the persisted row is returned
// inside a VersionMismatchError.
func (s *PostgresStore) UpdateTaskVersioned(ctx context.Context, taskID string, fields TaskFields, expectedVersion int) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET title=COALESCE($3, title),
			description=COALESCE($4, description),
			status=COALESCE($5, status),
			priority=COALESCE($6, priority),
			assigned_to=COALESCE($7, assigned_to),
			version=version+1,
			updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING `+taskColumns+`
	`, taskID, expectedVersion, fields.Title, fields.Description, fields.Status, fields.Priority, fields.AssignedTo)
	updated, err := scanTask(row)
	if err == nil {
		return updated, nil
	}
	if isUniqueViolation(err) {
		return Task{}, ErrDuplicateTitle
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("update task: %w", err)
	}

	// Either the task is gone or another writer advanced the version.
	current, getErr := s.GetTask(ctx, taskID)
	if getErr != nil {
		return Task{}, getErr
	}
	return Task{}, &VersionMismatchError{Current: current}
}

// UpdateTask applies a partial field set unconditionally, incrementing
// the version. Used for server-computed mutations (move, smart-assign,
// conflict resolution) and client updates that carry no observed version.
func (s *PostgresStore) UpdateTask(ctx context.Context, taskID string, fields TaskFields) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET title=COALESCE($2, title),
			description=COALESCE($3, description),
			status=COALESCE($4, status),
			priority=COALESCE($5, priority),
			assigned_to=COALESCE($6, assigned_to),
			version=version+1,
			updated_at=NOW()
		WHERE id=$1
		RETURNING `+taskColumns+`
	`, taskID, fields.Title, fields.Description, fields.Status, fields.Priority, fields.AssignedTo)
	updated, err := scanTask(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Task{}, ErrDuplicateTitle
		}
		return Task{}, err
	}
	return updated, nil
}

// DeleteTask removes the task and returns the deleted row so callers can
// broadcast and log with its board and title.
func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `DELETE FROM tasks WHERE id=$1 RETURNING `+taskColumns, taskID)
	return scanTask(row)
}

// Activity log

func (s *PostgresStore) AppendActivity(ctx context.Context, entry ActivityLogEntry) (ActivityLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO activity_log (id, board_id, user_id, username, action_type, task_id, task_title, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, entry.ID, entry.BoardID, entry.UserID, entry.Username, entry.ActionType, entry.TaskID, entry.TaskTitle, entry.Detail)
	if err := row.Scan(&entry.CreatedAt); err != nil {
		return ActivityLogEntry{}, fmt.Errorf("insert activity log: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) RecentActivity(ctx context.Context, boardID string, limit int) ([]ActivityLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, user_id, username, action_type, task_id, task_title, detail, created_at
		FROM activity_log
		WHERE board_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, boardID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	entries := make([]ActivityLogEntry, 0)
	for rows.Next() {
		var entry ActivityLogEntry
		if err := rows.Scan(&entry.ID, &entry.BoardID, &entry.UserID, &entry.Username, &entry.ActionType, &entry.TaskID, &entry.TaskTitle, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity log: %w", err)
	}
	return entries, nil
}

// Messages

func (s *PostgresStore) AppendMessage(ctx context.Context, message Message) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, board_id, user_id, username, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, message.ID, message.BoardID, message.UserID, message.Username, message.Content)
	if err := row.Scan(&message.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return message, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, boardID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, user_id, username, content, created_at
		FROM (
			SELECT id, board_id, user_id, username, content, created_at
			FROM messages
			WHERE board_id=$1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at
	`, boardID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var message Message
		if err := rows.Scan(&message.ID, &message.BoardID, &message.UserID, &message.Username, &message.Content, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
