package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/auth"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/realtime"
	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/store"
)

const (
	StrategyMerge     = "merge"
	StrategyOverwrite = "overwrite"
	StrategyKeep      = "keep"
)

// descriptionSeparator joins both authors' text when a merge cannot
// pick a single description.
const descriptionSeparator = "\n\n---\n\n"

// ResolveConflictInput is the conflict artifact posted back by the
// client with a chosen strategy: the fields the requester attempted and
// the persisted state at conflict time. Resolution works entirely from
// this artifact, not from a fresh read, so "keep" restores exactly what
// the requester was shown.
type ResolveConflictInput struct {
	Strategy     string          `json:"strategy"`
	YourVersion  UpdateTaskInput `json:"yourVersion"`
	TheirVersion TaskView        `json:"theirVersion"`
}

// mergePolicy reconciles one field: the artifact's persisted value as
// the base, the requester's value (nil when not supplied) overlaid per
// field rule.
type mergePolicy func(persisted string, requested *string) string

// preferRequested keeps the requester's value when it is present and
// non-empty, otherwise the persisted value stands.
func preferRequested(persisted string, requested *string) string {
	if requested != nil && strings.TrimSpace(*requested) != "" {
		return *requested
	}
	return persisted
}

// mergeDescriptions keeps one copy when both sides match after trimming,
// otherwise concatenates persisted text before the requester's so
// neither author's edit is silently discarded.
func mergeDescriptions(persisted string, requested *string) string {
	if requested == nil {
		return persisted
	}
	theirs := strings.TrimSpace(persisted)
	yours := strings.TrimSpace(*requested)
	switch {
	case yours == "":
		return persisted
	case theirs == "":
		return *requested
	case theirs == yours:
		return persisted
	}
	return theirs + descriptionSeparator + yours
}

// taskMergePolicies pins the per-field precedence of the merge strategy.
var taskMergePolicies = map[string]mergePolicy{
	"title":       preferRequested,
	"description": mergeDescriptions,
	"status":      preferRequested,
	"priority":    preferRequested,
	"assignedTo":  preferRequested,
}

// ResolveConflict computes the final task state from the artifact and
// commits it with a fresh version increment. Resolution is
// authoritative: it does not re-read the task or check the version
// again, so a third writer landing between conflict and resolution is
// overridden by the artifact's outcome.
func (s *Service) ResolveConflict(ctx context.Context, actor auth.Identity, taskID string, input ResolveConflictInput) (TaskView, error) {
	switch input.Strategy {
	case StrategyMerge, StrategyOverwrite, StrategyKeep:
	default:
		return TaskView{}, invalidArgument("strategy must be one of merge, overwrite, keep")
	}

	final := resolveFields(input.Strategy, input.TheirVersion, input.YourVersion)
	if final.Status != nil && !store.ValidStatus(*final.Status) {
		return TaskView{}, invalidArgument("invalid status")
	}
	if final.Priority != nil && !store.ValidPriority(*final.Priority) {
		return TaskView{}, invalidArgument("invalid priority")
	}

	updated, err := s.store.UpdateTask(ctx, taskID, final)
	if err != nil {
		return TaskView{}, mapStoreError(err, "Task not found")
	}

	view := taskView(updated)
	s.rooms.Publish(updated.BoardID, realtime.EventTaskUpdated, view)
	s.recordActivity(ctx, actor, updated.BoardID, "updated", updated.ID, updated.Title, fmt.Sprintf("Conflict resolved with strategy: %q", input.Strategy))
	s.indexTask(updated)
	return view, nil
}

func resolveFields(strategy string, theirs TaskView, yours UpdateTaskInput) store.TaskFields {
	switch strategy {
	case StrategyOverwrite:
		return yours.fields()
	case StrategyKeep:
		// Commit the artifact's conflict-time fields as the
		// resolution so the version still advances past the
		// conflicted one.
		return store.TaskFields{
			Title:       &theirs.Title,
			Description: &theirs.Description,
			Status:      &theirs.Status,
			Priority:    &theirs.Priority,
			AssignedTo:  &theirs.AssignedTo,
		}
	}

	title := taskMergePolicies["title"](theirs.Title, yours.Title)
	description := taskMergePolicies["description"](theirs.Description, yours.Description)
	status := taskMergePolicies["status"](theirs.Status, yours.Status)
	priority := taskMergePolicies["priority"](theirs.Priority, yours.Priority)
	assignedTo := taskMergePolicies["assignedTo"](theirs.AssignedTo, yours.AssignedTo)
	return store.TaskFields{
		Title:       &title,
		Description: &description,
		Status:      &status,
		Priority:    &priority,
		AssignedTo:  &assignedTo,
	}
}
