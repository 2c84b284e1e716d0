package integrity

import (
	"context"

	domainerrors "worktracker/internal/domain/errors"
	"worktracker/internal/domain/models"
)

// maxTaskSweeps bounds how often the cascade re-lists tasks created while it
// was running.
const maxTaskSweeps = 3

func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	if _, err := e.store.GetTask(ctx, id); err != nil {
		return err
	}
	return e.store.DeleteTasks(ctx, []string{id})
}

// DeleteStory refuses to remove a story that still has tasks.
func (e *Engine) DeleteStory(ctx context.Context, id string) error {
	if _, err := e.store.GetStory(ctx, id); err != nil {
		return err
	}
	tasks, err := e.store.ListTasks(ctx, models.TaskFilter{StoryID: id})
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		return &domainerrors.DependentsError{Resource: "задачи", IDs: taskIDs(tasks)}
	}
	return e.store.DeleteStories(ctx, []string{id})
}

// DeleteProject removes the project's tasks, then its stories, then the
// project. Transactional stores run the whole cascade atomically; otherwise
// each level goes out as one batch and nothing is rolled back on failure.
func (e *Engine) DeleteProject(ctx context.Context, id string) (*models.CascadeResult, error) {
	if _, err := e.store.GetProject(ctx, id); err != nil {
		return nil, err
	}

	if tx, ok := e.store.(Transactor); ok {
		var removed domainerrors.Removed
		err := tx.WithinTx(ctx, func(store Store) error {
			var err error
			removed, err = cascade(ctx, store, id)
			return err
		})
		if err != nil {
			return nil, &domainerrors.CascadeError{ProjectID: id, RolledBack: true, Err: err}
		}
		return resultOf(id, removed), nil
	}

	removed, err := cascade(ctx, e.store, id)
	if err != nil {
		return nil, &domainerrors.CascadeError{ProjectID: id, Removed: removed, Err: err}
	}
	return resultOf(id, removed), nil
}

func cascade(ctx context.Context, store Store, projectID string) (domainerrors.Removed, error) {
	removed := domainerrors.Removed{TaskIDs: []string{}, StoryIDs: []string{}}

	for sweep := 0; sweep < maxTaskSweeps; sweep++ {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		tasks, err := store.ListTasks(ctx, models.TaskFilter{ProjectID: projectID})
		if err != nil {
			return removed, err
		}
		if len(tasks) == 0 {
			break
		}
		ids := taskIDs(tasks)
		if err := store.DeleteTasks(ctx, ids); err != nil {
			return removed, err
		}
		removed.TaskIDs = append(removed.TaskIDs, ids...)
	}

	if err := ctx.Err(); err != nil {
		return removed, err
	}
	stories, err := store.ListStories(ctx, models.StoryFilter{ProjectID: projectID})
	if err != nil {
		return removed, err
	}
	if len(stories) > 0 {
		ids := make([]string, 0, len(stories))
		for _, s := range stories {
			ids = append(ids, s.ID)
		}
		if err := store.DeleteStories(ctx, ids); err != nil {
			return removed, err
		}
		removed.StoryIDs = ids
	}

	if err := ctx.Err(); err != nil {
		return removed, err
	}
	if err := store.DeleteProject(ctx, projectID); err != nil {
		return removed, err
	}
	removed.Project = true
	return removed, nil
}

func resultOf(projectID string, removed domainerrors.Removed) *models.CascadeResult {
	return &models.CascadeResult{
		ProjectID: projectID,
		TaskIDs:   removed.TaskIDs,
		StoryIDs:  removed.StoryIDs,
	}
}

func taskIDs(tasks []models.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
