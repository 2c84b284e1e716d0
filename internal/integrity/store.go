package integrity

import (
	"context"

	"worktracker/internal/domain/models"
)

// Store is the persistence the engine runs against. Implementations return
// errors.ErrNotFound for missing ids.
type Store interface {
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]models.Project, error)
	UpdateProject(ctx context.Context, project *models.Project) error
	DeleteProject(ctx context.Context, id string) error

	CreateStory(ctx context.Context, story *models.Story) error
	GetStory(ctx context.Context, id string) (*models.Story, error)
	ListStories(ctx context.Context, filter models.StoryFilter) ([]models.Story, error)
	UpdateStory(ctx context.Context, story *models.Story) error
	DeleteStories(ctx context.Context, ids []string) error

	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error)
	// UpdateTask writes task only while the stored status still equals
	// expected and returns errors.ErrConflict otherwise.
	UpdateTask(ctx context.Context, task *models.Task, expected models.Status) error
	DeleteTasks(ctx context.Context, ids []string) error
}

// Transactor is implemented by stores able to run several writes atomically.
// fn receives a Store bound to the transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

// UserLookup resolves assignees and story owners.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}
