// Package integrity owns the work-item rules: the task state machine, the
// whitelist of directly editable fields and the delete rules that keep the
// project/story/task hierarchy free of dangling references.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainerrors "worktracker/internal/domain/errors"
	"worktracker/internal/domain/models"

	"github.com/go-playground/validator"
	"github.com/google/uuid"
)

type Engine struct {
	store Store
	users UserLookup
	valid *validator.Validate
	now   func() time.Time
}

type Option func(*Engine)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store Store, users UserLookup, opts ...Option) *Engine {
	if store == nil || users == nil {
		return nil
	}
	e := &Engine{
		store: store,
		users: users,
		valid: validator.New(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

func (e *Engine) validate(v any) error {
	if err := e.valid.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domainerrors.ErrValidationFailed, err)
	}
	return nil
}

func (e *Engine) CreateProject(ctx context.Context, name, description string) (*models.Project, error) {
	project := &models.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
	}
	if err := e.validate(project); err != nil {
		return nil, err
	}
	if err := e.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

func (e *Engine) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return e.store.GetProject(ctx, id)
}

func (e *Engine) ListProjects(ctx context.Context) ([]models.Project, error) {
	return e.store.ListProjects(ctx)
}

func (e *Engine) UpdateProject(ctx context.Context, id string, patch models.ProjectPatch) (*models.Project, error) {
	if err := e.validate(patch); err != nil {
		return nil, err
	}
	project, err := e.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		project.Name = *patch.Name
	}
	if patch.Description != nil {
		project.Description = *patch.Description
	}
	if err := e.validate(project); err != nil {
		return nil, err
	}
	if err := e.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

func (e *Engine) CreateStory(ctx context.Context, story models.Story) (*models.Story, error) {
	if _, err := e.store.GetProject(ctx, story.ProjectID); err != nil {
		return nil, danglingIfMissing(err, "проект", story.ProjectID)
	}
	if story.OwnerID != nil && *story.OwnerID == "" {
		story.OwnerID = nil
	}
	if err := e.checkOwner(ctx, story.OwnerID); err != nil {
		return nil, err
	}
	story.ID = uuid.NewString()
	story.CreatedAt = e.timestamp()
	if story.Status == "" {
		story.Status = models.StatusTodo
	}
	if err := e.validate(&story); err != nil {
		return nil, err
	}
	if err := e.store.CreateStory(ctx, &story); err != nil {
		return nil, err
	}
	return &story, nil
}

func (e *Engine) GetStory(ctx context.Context, id string) (*models.Story, error) {
	return e.store.GetStory(ctx, id)
}

func (e *Engine) ListStories(ctx context.Context, filter models.StoryFilter) ([]models.Story, error) {
	if filter.ProjectID != "" {
		if _, err := e.store.GetProject(ctx, filter.ProjectID); err != nil {
			return nil, err
		}
	}
	return e.store.ListStories(ctx, filter)
}

// UpdateStory applies patch. Story status has no transition guard; the
// project a story belongs to never changes.
func (e *Engine) UpdateStory(ctx context.Context, id string, patch models.StoryPatch) (*models.Story, error) {
	if err := e.validate(patch); err != nil {
		return nil, err
	}
	story, err := e.store.GetStory(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		story.Name = *patch.Name
	}
	if patch.Description != nil {
		story.Description = *patch.Description
	}
	if patch.Priority != nil {
		story.Priority = *patch.Priority
	}
	if patch.Status != nil {
		story.Status = *patch.Status
	}
	if patch.OwnerID != nil {
		if *patch.OwnerID == "" {
			story.OwnerID = nil
		} else {
			if err := e.checkOwner(ctx, patch.OwnerID); err != nil {
				return nil, err
			}
			owner := *patch.OwnerID
			story.OwnerID = &owner
		}
	}
	if err := e.validate(story); err != nil {
		return nil, err
	}
	if err := e.store.UpdateStory(ctx, story); err != nil {
		return nil, err
	}
	return story, nil
}

func (e *Engine) checkOwner(ctx context.Context, ownerID *string) error {
	if ownerID == nil || *ownerID == "" {
		return nil
	}
	if _, err := e.users.GetUserByID(ctx, *ownerID); err != nil {
		return danglingIfMissing(err, "пользователь", *ownerID)
	}
	return nil
}

func danglingIfMissing(err error, what, id string) error {
	if errors.Is(err, domainerrors.ErrNotFound) || errors.Is(err, domainerrors.ErrUserNotFound) {
		return fmt.Errorf("%w: %s %s", domainerrors.ErrDanglingReference, what, id)
	}
	return err
}
