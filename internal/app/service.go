package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/auth"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/authpw"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/config"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/realtime"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/search"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/store"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/util"
)

const (
	recentActivityLimit = 20
	recentMessagesLimit = 50
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	Email        string
	ExpiresAt    time.Time
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	CreateBoard(context.Context, store.Board) error
	GetBoard(context.Context, string) (store.Board, error)
	JoinBoard(context.Context, string, string) (bool, error)
	ListBoardMembers(context.Context, string) ([]store.BoardMember, error)
	CreateTask(context.Context, store.Task) (store.Task, error)
	GetTask(context.Context, string) (store.Task, error)
	ListTasksByBoard(context.Context, string) ([]store.Task, error)
	UpdateTaskVersioned(context.Context, string, store.TaskFields, int) (store.Task, error)
	UpdateTask(context.Context, string, store.TaskFields) (store.Task, error)
	DeleteTask(context.Context, string) (store.Task, error)
	AppendActivity(context.Context, store.ActivityLogEntry) (store.ActivityLogEntry, error)
	RecentActivity(context.Context, string, int) ([]store.ActivityLogEntry, error)
	AppendMessage(context.Context, store.Message) (store.Message, error)
	RecentMessages(context.Context, string, int) ([]store.Message, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type broadcaster interface {
	Publish(roomID, eventType string, payload any)
}

type searchIndex interface {
	Search(q search.Query) ([]search.Result, error)
	IndexTask(task search.TaskRecord) error
	DeleteTask(id string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	rooms     broadcaster
	search    searchIndex
	log       logrus.FieldLogger
}

func New(cfg config.Config, ds dataStore, sessions sessionStore, rooms broadcaster, searchSvc searchIndex, log logrus.FieldLogger) *Service {
	return &Service{
		cfg:       cfg,
		store:     ds,
		sessions:  sessions,
		passwords: authpw.NewService(ds),
		rooms:     rooms,
		search:    searchSvc,
		log:       log,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Auth

func (s *Service) Register(ctx context.Context, username, email, password string) (Session, error) {
	user, err := s.passwords.Register(ctx, authpw.RegisterRequest{
		Username: username,
		Email:    email,
		Password: password,
	})
	if err != nil {
		if errors.Is(err, authpw.ErrUserExists) {
			return Session{}, conflict("User already exists", nil)
		}
		return Session{}, invalidArgument(err.Error())
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.Login(ctx, email, password)
	if err != nil {
		return Session{}, domainError(401, "UNAUTHORIZED", "Invalid credentials", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(401, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	identity := auth.Identity{ID: user.ID, Username: user.Username, Email: user.Email}
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), identity, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		Email:        user.Email,
		ExpiresAt:    time.Now().Add(s.cfg.AccessTTL),
	}, nil
}

func (s *Service) IdentityFromToken(token string) (auth.Identity, error) {
	return auth.ParseToken([]byte(s.cfg.JWTSecret), token)
}

// Views

type TaskView struct {
	ID          string    `json:"id"`
	BoardID     string    `json:"boardId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	AssignedTo  string    `json:"assignedTo"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`
	Version     int       `json:"version"`
}

func taskView(task store.Task) TaskView {
	return TaskView{
		ID:          task.ID,
		BoardID:     task.BoardID,
		Title:       task.Title,
		Description: task.Description,
		Status:      task.Status,
		Priority:    task.Priority,
		AssignedTo:  task.AssignedTo,
		CreatedBy:   task.CreatedBy,
		CreatedAt:   task.CreatedAt,
		LastUpdated: task.LastUpdated,
		Version:     task.Version,
	}
}

type ActivityView struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Username       string    `json:"username"`
	ActionType     string    `json:"actionType"`
	TaskID         string    `json:"taskId"`
	TaskTitle      string    `json:"taskTitle"`
	AdditionalInfo string    `json:"additionalInfo,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func activityView(entry store.ActivityLogEntry) ActivityView {
	return ActivityView{
		ID:             entry.ID,
		UserID:         entry.UserID,
		Username:       entry.Username,
		ActionType:     entry.ActionType,
		TaskID:         entry.TaskID,
		TaskTitle:      entry.TaskTitle,
		AdditionalInfo: entry.Detail,
		Timestamp:      entry.CreatedAt,
	}
}

type MessageView struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"boardId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func messageView(message store.Message) MessageView {
	return MessageView{
		ID:        message.ID,
		BoardID:   message.BoardID,
		UserID:    message.UserID,
		Username:  message.Username,
		Content:   message.Content,
		CreatedAt: message.CreatedAt,
	}
}

type BoardMemberView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type BoardView struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	CreatedBy string            `json:"createdBy"`
	Members   []BoardMemberView `json:"members"`
	Tasks     []TaskView        `json:"tasks"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Tasks

type CreateTaskInput struct {
	BoardID     string `json:"boardId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	AssignedTo  string `json:"assignedTo"`
}

func (s *Service) CreateTask(ctx context.Context, actor auth.Identity, input CreateTaskInput) (TaskView, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return TaskView{}, invalidArgument("title is required")
	}
	status := input.Status
	if status == "" {
		status = store.StatusTodo
	}
	if !store.ValidStatus(status) {
		return TaskView{}, invalidArgument("invalid status")
	}
	priority := input.Priority
	if priority == "" {
		priority = store.PriorityMedium
	}
	if !store.ValidPriority(priority) {
		return TaskView{}, invalidArgument("invalid priority")
	}

	if _, err := s.store.GetBoard(ctx, input.BoardID); err != nil {
		return TaskView{}, mapStoreError(err, "Board not found")
	}

	created, err := s.store.CreateTask(ctx, store.Task{
		ID:          util.NewID("tsk"),
		BoardID:     input.BoardID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Status:      status,
		Priority:    priority,
		AssignedTo:  strings.TrimSpace(input.AssignedTo),
		CreatedBy:   actor.ID,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTitle) {
			return TaskView{}, conflict("A task with this title already exists on this board.", nil)
		}
		return TaskView{}, err
	}

	view := taskView(created)
	s.rooms.Publish(created.BoardID, realtime.EventTaskCreated, view)
	s.recordActivity(ctx, actor, created.BoardID, "created", created.ID, created.Title, "")
	s.indexTask(created)
	return view, nil
}

// UpdateTaskInput is the requester's partial field set. Version, when
// present, is the version the requester last observed; any mismatch with
// the persisted version is a conflict.
type UpdateTaskInput struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	AssignedTo  *string `json:"assignedTo,omitempty"`
	Version     *int    `json:"version,omitempty"`
}

func (input UpdateTaskInput) fields() store.TaskFields {
	return store.TaskFields{
		Title:       input.Title,
		Description: input.Description,
		Status:      input.Status,
		Priority:    input.Priority,
		AssignedTo:  input.AssignedTo,
	}
}

// ConflictArtifact is the payload of a CONFLICT error: both versions,
// side by side, so the client can drive an explicit resolution.
type ConflictArtifact struct {
	TaskID       string          `json:"taskId"`
	YourVersion  UpdateTaskInput `json:"yourVersion"`
	TheirVersion TaskView        `json:"theirVersion"`
}

func (s *Service) UpdateTask(ctx context.Context, actor auth.Identity, taskID string, input UpdateTaskInput) (TaskView, error) {
	if input.Status != nil && !store.ValidStatus(*input.Status) {
		return TaskView{}, invalidArgument("invalid status")
	}
	if input.Priority != nil && !store.ValidPriority(*input.Priority) {
		return TaskView{}, invalidArgument("invalid priority")
	}

	var updated store.Task
	var err error
	if input.Version != nil {
		updated, err = s.store.UpdateTaskVersioned(ctx, taskID, input.fields(), *input.Version)
	} else {
		updated, err = s.store.UpdateTask(ctx, taskID, input.fields())
	}
	if err != nil {
		var mismatch *store.VersionMismatchError
		if errors.As(err, &mismatch) {
			return TaskView{}, conflict("Conflict detected: Task was modified by another user.", ConflictArtifact{
				TaskID:       taskID,
				YourVersion:  input,
				TheirVersion: taskView(mismatch.Current),
			})
		}
		if errors.Is(err, store.ErrDuplicateTitle) {
			return TaskView{}, conflict("A task with this title already exists on this board.", nil)
		}
		return TaskView{}, mapStoreError(err, "Task not found")
	}

	view := taskView(updated)
	s.rooms.Publish(updated.BoardID, realtime.EventTaskUpdated, view)
	s.recordActivity(ctx, actor, updated.BoardID, "updated", updated.ID, updated.Title, "")
	s.indexTask(updated)
	return view, nil
}

func (s *Service) DeleteTask(ctx context.Context, actor auth.Identity, taskID string) error {
	deleted, err := s.store.DeleteTask(ctx, taskID)
	if err != nil {
		return mapStoreError(err, "Task not found")
	}

	s.rooms.Publish(deleted.BoardID, realtime.EventTaskDeleted, deleted.ID)
	s.recordActivity(ctx, actor, deleted.BoardID, "deleted", deleted.ID, deleted.Title, "")
	if err := s.search.DeleteTask(deleted.ID); err != nil {
		s.log.WithError(err).Warn("remove task from search index")
	}
	return nil
}

// MoveTask is the drag-and-drop path: a server-validated status change
// with no client version check, still versioned and broadcast.
func (s *Service) MoveTask(ctx context.Context, actor auth.Identity, taskID, status string) (TaskView, error) {
	if !store.ValidStatus(status) {
		return TaskView{}, invalidArgument("invalid status")
	}

	updated, err := s.store.UpdateTask(ctx, taskID, store.TaskFields{Status: &status})
	if err != nil {
		return TaskView{}, mapStoreError(err, "Task not found")
	}

	view := taskView(updated)
	s.rooms.Publish(updated.BoardID, realtime.EventTaskMoved, view)
	s.recordActivity(ctx, actor, updated.BoardID, "moved", updated.ID, updated.Title, "to "+status)
	s.indexTask(updated)
	return view, nil
}

// SmartAssign assigns the task to the board member with the fewest
// active (not done) tasks. Ties break toward the member who joined the
// board first, so repeated calls are deterministic.
func (s *Service) SmartAssign(ctx context.Context, actor auth.Identity, taskID string) (TaskView, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskView{}, mapStoreError(err, "Task not found")
	}

	members, err := s.store.ListBoardMembers(ctx, task.BoardID)
	if err != nil {
		return TaskView{}, err
	}
	if len(members) == 0 {
		return TaskView{}, notFound("Board or members not found")
	}

	tasks, err := s.store.ListTasksByBoard(ctx, task.BoardID)
	if err != nil {
		return TaskView{}, err
	}

	activeCounts := make(map[string]int, len(members))
	for _, t := range tasks {
		if t.Status != store.StatusDone && t.AssignedTo != "" {
			activeCounts[t.AssignedTo]++
		}
	}

	chosen := members[0]
	for _, member := range members[1:] {
		if activeCounts[member.Username] < activeCounts[chosen.Username] {
			chosen = member
		}
	}

	updated, err := s.store.UpdateTask(ctx, taskID, store.TaskFields{AssignedTo: &chosen.Username})
	if err != nil {
		return TaskView{}, mapStoreError(err, "Task not found")
	}

	view := taskView(updated)
	s.rooms.Publish(updated.BoardID, realtime.EventTaskUpdated, view)
	s.recordActivity(ctx, actor, updated.BoardID, "assigned", updated.ID, updated.Title, "to "+chosen.Username)
	s.indexTask(updated)
	return view, nil
}

func (s *Service) ListTasks(ctx context.Context, boardID string) ([]TaskView, error) {
	tasks, err := s.store.ListTasksByBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, taskView(task))
	}
	return views, nil
}

func (s *Service) SearchTasks(ctx context.Context, boardID, text string, limit int) ([]search.Result, error) {
	results, err := s.search.Search(search.Query{BoardID: boardID, Text: text, Limit: limit})
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []search.Result{}
	}
	return results, nil
}

// Boards

func (s *Service) CreateBoard(ctx context.Context, actor auth.Identity, name string) (BoardView, error) {
	board := store.Board{
		ID:        util.NewID("brd"),
		Name:      strings.TrimSpace(name),
		CreatedBy: actor.ID,
	}
	if board.Name == "" {
		board.Name = "Untitled Board"
	}
	if err := s.store.CreateBoard(ctx, board); err != nil {
		return BoardView{}, err
	}
	return BoardView{
		ID:        board.ID,
		Name:      board.Name,
		CreatedBy: board.CreatedBy,
		Members:   []BoardMemberView{{ID: actor.ID, Username: actor.Username}},
		Tasks:     []TaskView{},
	}, nil
}

// GetBoard fetches a board with its tasks and members, joining the
// requester to the durable membership first. The join is idempotent and
// capped; the cap failure leaves membership untouched.
func (s *Service) GetBoard(ctx context.Context, actor auth.Identity, boardID string) (BoardView, error) {
	if _, err := s.store.JoinBoard(ctx, boardID, actor.ID); err != nil {
		if errors.Is(err, store.ErrBoardFull) {
			return BoardView{}, capacityExceeded(fmt.Sprintf("This board has reached its maximum of %d members.", store.MaxBoardMembers))
		}
		return BoardView{}, mapStoreError(err, "Board not found")
	}

	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return BoardView{}, mapStoreError(err, "Board not found")
	}
	members, err := s.store.ListBoardMembers(ctx, boardID)
	if err != nil {
		return BoardView{}, err
	}
	tasks, err := s.ListTasks(ctx, boardID)
	if err != nil {
		return BoardView{}, err
	}

	memberViews := make([]BoardMemberView, 0, len(members))
	for _, member := range members {
		memberViews = append(memberViews, BoardMemberView{ID: member.UserID, Username: member.Username})
	}

	return BoardView{
		ID:        board.ID,
		Name:      board.Name,
		CreatedBy: board.CreatedBy,
		Members:   memberViews,
		Tasks:     tasks,
		CreatedAt: board.CreatedAt,
	}, nil
}

// Activity & chat

func (s *Service) RecentActivity(ctx context.Context, boardID string) ([]ActivityView, error) {
	entries, err := s.store.RecentActivity(ctx, boardID, recentActivityLimit)
	if err != nil {
		return nil, err
	}
	views := make([]ActivityView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, activityView(entry))
	}
	return views, nil
}

func (s *Service) RecentMessages(ctx context.Context, boardID string) ([]MessageView, error) {
	messages, err := s.store.RecentMessages(ctx, boardID, recentMessagesLimit)
	if err != nil {
		return nil, err
	}
	views := make([]MessageView, 0, len(messages))
	for _, message := range messages {
		views = append(views, messageView(message))
	}
	return views, nil
}

func (s *Service) SendMessage(ctx context.Context, actor auth.Identity, boardID, content string) (MessageView, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return MessageView{}, invalidArgument("content is required")
	}

	saved, err := s.store.AppendMessage(ctx, store.Message{
		ID:       util.NewID("msg"),
		BoardID:  boardID,
		UserID:   actor.ID,
		Username: actor.Username,
		Content:  content,
	})
	if err != nil {
		return MessageView{}, err
	}

	view := messageView(saved)
	s.rooms.Publish(boardID, realtime.EventNewMessage, view)
	return view, nil
}

// recordActivity appends a log entry and broadcasts it to the room. The
// broadcast goes out even when the append fails; auditing is best-effort
// and never gates delivery.
func (s *Service) recordActivity(ctx context.Context, actor auth.Identity, boardID, actionType, taskID, taskTitle, detail string) {
	entry := store.ActivityLogEntry{
		ID:         util.NewID("log"),
		BoardID:    boardID,
		UserID:     actor.ID,
		Username:   actor.Username,
		ActionType: actionType,
		TaskID:     taskID,
		TaskTitle:  taskTitle,
		Detail:     detail,
	}
	saved, err := s.store.AppendActivity(ctx, entry)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"board": boardID, "task": taskID, "action": actionType}).Warn("append activity log")
		entry.CreatedAt = time.Now()
		saved = entry
	}
	s.rooms.Publish(boardID, realtime.EventActivityLog, activityView(saved))
}

func (s *Service) indexTask(task store.Task) {
	err := s.search.IndexTask(search.TaskRecord{
		ID:          task.ID,
		BoardID:     task.BoardID,
		Title:       task.Title,
		Description: task.Description,
		Status:      task.Status,
		Priority:    task.Priority,
	})
	if err != nil {
		s.log.WithError(err).WithField("task", task.ID).Warn("index task")
	}
}

func mapStoreError(err error, notFoundMessage string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(notFoundMessage)
	}
	return err
}
