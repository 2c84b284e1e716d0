package integrity

import (
	"context"
	"errors"
	"fmt"

	domainerrors "worktracker/internal/domain/errors"
	"worktracker/internal/domain/models"

	"github.com/google/uuid"
)

// CreateTask adds a task in state todo under an existing story. The project
// is taken from the story; a caller-supplied project must agree with it.
func (e *Engine) CreateTask(ctx context.Context, in models.NewTask) (*models.Task, error) {
	if err := e.validate(in); err != nil {
		return nil, err
	}
	story, err := e.store.GetStory(ctx, in.StoryID)
	if err != nil {
		return nil, danglingIfMissing(err, "история", in.StoryID)
	}
	if in.ProjectID != "" && in.ProjectID != story.ProjectID {
		return nil, fmt.Errorf("%w: история %s не входит в проект %s", domainerrors.ErrStoryProjectMismatch, story.ID, in.ProjectID)
	}
	task := &models.Task{
		ID:            uuid.NewString(),
		ProjectID:     story.ProjectID,
		StoryID:       story.ID,
		Name:          in.Name,
		Description:   in.Description,
		Priority:      in.Priority,
		Status:        models.StatusTodo,
		CreatedAt:     e.timestamp(),
		EstimatedTime: in.EstimatedTime,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (e *Engine) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return e.store.GetTask(ctx, id)
}

func (e *Engine) ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	if filter.Status != "" {
		switch filter.Status {
		case models.StatusTodo, models.StatusDoing, models.StatusDone:
		default:
			return nil, domainerrors.ErrInvalidStatus
		}
	}
	return e.store.ListTasks(ctx, filter)
}

// Assign hands a todo task to a developer or devops user and starts it in
// the same write.
func (e *Engine) Assign(ctx context.Context, taskID, userID string) (*models.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusTodo {
		return nil, fmt.Errorf("%w: %s -> %s", domainerrors.ErrInvalidTransition, task.Status, models.StatusDoing)
	}
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domainerrors.ErrUserNotFound) || errors.Is(err, domainerrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: пользователь %s не найден", domainerrors.ErrInvalidAssignee, userID)
		}
		return nil, err
	}
	if !user.Assignable() {
		return nil, fmt.Errorf("%w: роль %s", domainerrors.ErrInvalidAssignee, user.Role)
	}

	now := e.timestamp()
	assignee := user.ID
	next := *task
	next.AssignedUserID = &assignee
	next.Status = models.StatusDoing
	next.StartDate = &now
	next.EndDate = nil
	if err := e.store.UpdateTask(ctx, &next, models.StatusTodo); err != nil {
		return nil, err
	}
	return &next, nil
}

func (e *Engine) Complete(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusDoing {
		return nil, fmt.Errorf("%w: %s -> %s", domainerrors.ErrInvalidTransition, task.Status, models.StatusDone)
	}
	if task.AssignedUserID == nil || task.StartDate == nil {
		return nil, fmt.Errorf("%w: задача %s в работе без исполнителя или даты начала", domainerrors.ErrInconsistentState, task.ID)
	}

	end := e.timestamp()
	if end.Before(*task.StartDate) {
		end = *task.StartDate
	}
	next := *task
	next.Status = models.StatusDone
	next.EndDate = &end
	if err := e.store.UpdateTask(ctx, &next, models.StatusDoing); err != nil {
		return nil, err
	}
	return &next, nil
}

// Reset reopens a task from any state.
func (e *Engine) Reset(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	next := *task
	next.Status = models.StatusTodo
	next.AssignedUserID = nil
	next.StartDate = nil
	next.EndDate = nil
	if err := e.store.UpdateTask(ctx, &next, task.Status); err != nil {
		return nil, err
	}
	return &next, nil
}

// Edit changes the directly editable fields of a task. Moving a task to
// another story is allowed only within its project.
func (e *Engine) Edit(ctx context.Context, taskID string, patch models.TaskPatch) (*models.Task, error) {
	if err := e.validate(patch); err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	next := *task
	if patch.StoryID != nil && *patch.StoryID != task.StoryID {
		story, err := e.store.GetStory(ctx, *patch.StoryID)
		if err != nil {
			return nil, danglingIfMissing(err, "история", *patch.StoryID)
		}
		if story.ProjectID != task.ProjectID {
			return nil, fmt.Errorf("%w: история %s не входит в проект %s", domainerrors.ErrStoryProjectMismatch, story.ID, task.ProjectID)
		}
		next.StoryID = story.ID
	}
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Priority != nil {
		next.Priority = *patch.Priority
	}
	if patch.EstimatedTime != nil {
		estimate := *patch.EstimatedTime
		next.EstimatedTime = &estimate
	}
	if err := e.validate(&next); err != nil {
		return nil, err
	}
	if err := e.store.UpdateTask(ctx, &next, task.Status); err != nil {
		return nil, err
	}
	return &next, nil
}
