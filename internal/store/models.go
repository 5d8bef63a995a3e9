package store

import (
	"errors"
	"fmt"
	"time"
)

// MaxBoardMembers caps durable board membership. Joins beyond the cap
// fail with ErrBoardFull and leave membership unchanged.
const MaxBoardMembers = 15

const (
	StatusTodo       = "todo"
	StatusInProgress = "inprogress"
	StatusDone       = "done"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Task struct {
	ID          string
	BoardID     string
	Title       string
	Description string
	Status      string
	Priority    string
	AssignedTo  string
	CreatedBy   string
	Version     int
	CreatedAt   time.Time
	LastUpdated time.Time
}

// TaskFields is a partial update set. Nil fields are left untouched.
type TaskFields struct {
	Title       *string
	Description *string
	Status      *string
	Priority    *string
	AssignedTo  *string
}

type Board struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type BoardMember struct {
	UserID   string
	Username string
	JoinedAt time.Time
}

type ActivityLogEntry struct {
	ID         string
	BoardID    string
	UserID     string
	Username   string
	ActionType string
	TaskID     string
	TaskTitle  string
	Detail     string
	CreatedAt  time.Time
}

type Message struct {
	ID        string
	BoardID   string
	UserID    string
	Username  string
	Content   string
	CreatedAt time.Time
}

var (
	// ErrBoardFull is returned when a join would exceed MaxBoardMembers.
	ErrBoardFull = errors.New("board member limit reached")
	// ErrDuplicateTitle is returned when a task title collides within a board.
	ErrDuplicateTitle = errors.New("task title already exists on this board")
)

// VersionMismatchError is returned by UpdateTaskVersioned when the
// requester's observed version no longer matches the persisted row.
// Current carries the persisted task at detection time so callers can
// build a conflict artifact without a second read.
type VersionMismatchError struct {
	Current Task
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("task %s version mismatch: persisted version is %d", e.Current.ID, e.Current.Version)
}

func ValidStatus(status string) bool {
	switch status {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

func ValidPriority(priority string) bool {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}
