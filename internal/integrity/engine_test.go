package integrity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domainerrors "worktracker/internal/domain/errors"
	"worktracker/internal/domain/models"
	"worktracker/internal/integrity"
	storage "worktracker/repository/inmemory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store   *storage.Storage
	engine  *integrity.Engine
	clock   *fakeClock
	project *models.Project
	story   *models.Story
}

func seedUsers(t *testing.T, store *storage.Storage) {
	t.Helper()
	ctx := context.Background()
	for _, u := range []models.User{
		{ID: "user-admin-01", Login: "admin", PasswordHash: "x", Role: models.RoleAdmin},
		{ID: "user-dev-01", Login: "dev1", PasswordHash: "x", Role: models.RoleDeveloper},
		{ID: "user-devops-01", Login: "ops1", PasswordHash: "x", Role: models.RoleDevops},
	} {
		u := u
		require.NoError(t, store.UpsertUser(ctx, &u))
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewStorage()
	seedUsers(t, store)
	clock := &fakeClock{now: baseTime}
	engine := integrity.NewEngine(store, store, integrity.WithClock(clock.Now))
	require.NotNil(t, engine)

	ctx := context.Background()
	project, err := engine.CreateProject(ctx, "Alpha", "")
	require.NoError(t, err)
	story, err := engine.CreateStory(ctx, models.Story{ProjectID: project.ID, Name: "S1", Priority: models.PriorityHigh})
	require.NoError(t, err)

	return &fixture{store: store, engine: engine, clock: clock, project: project, story: story}
}

func (f *fixture) newTask(t *testing.T, name string) *models.Task {
	t.Helper()
	task, err := f.engine.CreateTask(context.Background(), models.NewTask{
		StoryID:  f.story.ID,
		Name:     name,
		Priority: models.PriorityMedium,
	})
	require.NoError(t, err)
	return task
}

func TestNewEngine(t *testing.T) {
	store := storage.NewStorage()
	assert.Nil(t, integrity.NewEngine(nil, store))
	assert.Nil(t, integrity.NewEngine(store, nil))
	assert.NotNil(t, integrity.NewEngine(store, store))
}

func TestCreateTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	negative := -1.5

	tests := []struct {
		name string
		in   models.NewTask
		want struct {
			err error
		}
	}{
		{
			name: "valid task",
			in:   models.NewTask{StoryID: f.story.ID, Name: "T1", Priority: models.PriorityLow},
		},
		{
			name: "matching project is accepted",
			in:   models.NewTask{StoryID: f.story.ID, ProjectID: f.project.ID, Name: "T2", Priority: models.PriorityLow},
		},
		{
			name: "unknown story",
			in:   models.NewTask{StoryID: "missing", Name: "T3", Priority: models.PriorityLow},
			want: struct{ err error }{err: domainerrors.ErrDanglingReference},
		},
		{
			name: "story from another project",
			in:   models.NewTask{StoryID: f.story.ID, ProjectID: "other", Name: "T4", Priority: models.PriorityLow},
			want: struct{ err error }{err: domainerrors.ErrStoryProjectMismatch},
		},
		{
			name: "negative estimate",
			in:   models.NewTask{StoryID: f.story.ID, Name: "T5", Priority: models.PriorityLow, EstimatedTime: &negative},
			want: struct{ err error }{err: domainerrors.ErrValidationFailed},
		},
		{
			name: "unknown priority",
			in:   models.NewTask{StoryID: f.story.ID, Name: "T6", Priority: "urgent"},
			want: struct{ err error }{err: domainerrors.ErrValidationFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := f.engine.CreateTask(ctx, tt.in)
			if tt.want.err != nil {
				assert.ErrorIs(t, err, tt.want.err)
				assert.Nil(t, task)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.StatusTodo, task.Status)
			assert.Equal(t, f.project.ID, task.ProjectID)
			assert.Nil(t, task.AssignedUserID)
			assert.Nil(t, task.StartDate)
			assert.Nil(t, task.EndDate)
			assert.Equal(t, baseTime, task.CreatedAt)
		})
	}
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.newTask(t, "T1")

	f.clock.Set(baseTime.Add(time.Hour))
	doing, err := f.engine.Assign(ctx, task.ID, "user-dev-01")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDoing, doing.Status)
	require.NotNil(t, doing.AssignedUserID)
	assert.Equal(t, "user-dev-01", *doing.AssignedUserID)
	require.NotNil(t, doing.StartDate)
	assert.Equal(t, baseTime.Add(time.Hour), *doing.StartDate)
	assert.Nil(t, doing.EndDate)

	f.clock.Set(baseTime.Add(3 * time.Hour))
	done, err := f.engine.Complete(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, done.Status)
	require.NotNil(t, done.EndDate)
	assert.Equal(t, baseTime.Add(3*time.Hour), *done.EndDate)
	assert.Equal(t, *doing.StartDate, *done.StartDate)

	stored, err := f.engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, done, stored)

	reset, err := f.engine.Reset(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTodo, reset.Status)
	assert.Nil(t, reset.AssignedUserID)
	assert.Nil(t, reset.StartDate)
	assert.Nil(t, reset.EndDate)

	again, err := f.engine.Assign(ctx, task.ID, "user-devops-01")
	require.NoError(t, err)
	assert.Equal(t, "user-devops-01", *again.AssignedUserID)
}

func TestCompleteClampsEndDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.newTask(t, "T1")

	f.clock.Set(baseTime.Add(time.Hour))
	_, err := f.engine.Assign(ctx, task.ID, "user-dev-01")
	require.NoError(t, err)

	f.clock.Set(baseTime)
	done, err := f.engine.Complete(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, *done.StartDate, *done.EndDate)
}

func TestAssignRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	todo := f.newTask(t, "todo")
	doing := f.newTask(t, "doing")
	_, err := f.engine.Assign(ctx, doing.ID, "user-dev-01")
	require.NoError(t, err)

	tests := []struct {
		name   string
		taskID string
		userID string
		want   struct {
			err error
		}
	}{
		{
			name:   "admin cannot be assigned",
			taskID: todo.ID,
			userID: "user-admin-01",
			want:   struct{ err error }{err: domainerrors.ErrInvalidAssignee},
		},
		{
			name:   "unknown user",
			taskID: todo.ID,
			userID: "nobody",
			want:   struct{ err error }{err: domainerrors.ErrInvalidAssignee},
		},
		{
			name:   "task already in progress",
			taskID: doing.ID,
			userID: "user-devops-01",
			want:   struct{ err error }{err: domainerrors.ErrInvalidTransition},
		},
		{
			name:   "unknown task",
			taskID: "missing",
			userID: "user-dev-01",
			want:   struct{ err error }{err: domainerrors.ErrNotFound},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := f.engine.Assign(ctx, tt.taskID, tt.userID)
			assert.ErrorIs(t, err, tt.want.err)
			assert.Nil(t, task)
		})
	}

	stored, err := f.engine.GetTask(ctx, todo.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTodo, stored.Status, "failed assign must not change the task")
}

// failingUsers stands in for a user directory whose backend is down.
type failingUsers struct{}

func (failingUsers) GetUserByID(context.Context, string) (*models.User, error) {
	return nil, errInjected
}

func TestAssignKeepsLookupFailures(t *testing.T) {
	store := storage.NewStorage()
	seedUsers(t, store)
	ctx := context.Background()
	setup := integrity.NewEngine(store, store)
	h := buildHierarchy(t, setup, 1, 1)

	engine := integrity.NewEngine(store, failingUsers{})
	task, err := engine.Assign(ctx, h.tasks[0].ID, "user-dev-01")
	assert.Nil(t, task)
	require.ErrorIs(t, err, errInjected)
	assert.NotErrorIs(t, err, domainerrors.ErrInvalidAssignee)
	assert.Equal(t, "InternalError", domainerrors.Kind(err))

	owner := "user-dev-01"
	_, err = engine.CreateStory(ctx, models.Story{ProjectID: h.project.ID, Name: "S", Priority: models.PriorityLow, OwnerID: &owner})
	assert.ErrorIs(t, err, errInjected)
	assert.NotErrorIs(t, err, domainerrors.ErrDanglingReference)
}

func TestCompleteRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	todo := f.newTask(t, "todo")

	_, err := f.engine.Complete(ctx, todo.ID)
	assert.ErrorIs(t, err, domainerrors.ErrInvalidTransition)

	broken := f.newTask(t, "broken")
	corrupt := *broken
	corrupt.Status = models.StatusDoing
	require.NoError(t, f.store.UpdateTask(ctx, &corrupt, models.StatusTodo))

	_, err = f.engine.Complete(ctx, broken.ID)
	assert.ErrorIs(t, err, domainerrors.ErrInconsistentState)
}

func TestConcurrentAssignHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.newTask(t, "contested")

	users := []string{"user-dev-01", "user-devops-01"}
	errs := make([]error, len(users))
	var wg sync.WaitGroup
	for i, userID := range users {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			_, errs[i] = f.engine.Assign(ctx, task.ID, userID)
		}(i, userID)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, domainerrors.ErrConflict) || errors.Is(err, domainerrors.ErrInvalidTransition), err)
	}
	assert.Equal(t, 1, wins)

	stored, err := f.engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDoing, stored.Status)
	assert.Contains(t, users, *stored.AssignedUserID)
}

func TestEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.newTask(t, "T1")

	sibling, err := f.engine.CreateStory(ctx, models.Story{ProjectID: f.project.ID, Name: "S2", Priority: models.PriorityLow})
	require.NoError(t, err)
	other, err := f.engine.CreateProject(ctx, "Beta", "")
	require.NoError(t, err)
	foreign, err := f.engine.CreateStory(ctx, models.Story{ProjectID: other.ID, Name: "F1", Priority: models.PriorityLow})
	require.NoError(t, err)

	name := "Renamed"
	high := models.PriorityHigh
	bad := models.Priority("urgent")
	estimate := 2.5
	missing := "missing"

	tests := []struct {
		name  string
		patch models.TaskPatch
		want  struct {
			err     error
			storyID string
		}
	}{
		{
			name:  "rename and reprioritise",
			patch: models.TaskPatch{Name: &name, Priority: &high, EstimatedTime: &estimate},
			want: struct {
				err     error
				storyID string
			}{storyID: f.story.ID},
		},
		{
			name:  "move within project",
			patch: models.TaskPatch{StoryID: &sibling.ID},
			want: struct {
				err     error
				storyID string
			}{storyID: sibling.ID},
		},
		{
			name:  "move to another project",
			patch: models.TaskPatch{StoryID: &foreign.ID},
			want: struct {
				err     error
				storyID string
			}{err: domainerrors.ErrStoryProjectMismatch},
		},
		{
			name:  "move to missing story",
			patch: models.TaskPatch{StoryID: &missing},
			want: struct {
				err     error
				storyID string
			}{err: domainerrors.ErrDanglingReference},
		},
		{
			name:  "invalid priority",
			patch: models.TaskPatch{Priority: &bad},
			want: struct {
				err     error
				storyID string
			}{err: domainerrors.ErrValidationFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edited, err := f.engine.Edit(ctx, task.ID, tt.patch)
			if tt.want.err != nil {
				assert.ErrorIs(t, err, tt.want.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.storyID, edited.StoryID)
			assert.Equal(t, f.project.ID, edited.ProjectID)
			assert.Equal(t, models.StatusTodo, edited.Status)
		})
	}
}

func TestStories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := "user-dev-01"
	ghost := "ghost"

	_, err := f.engine.CreateStory(ctx, models.Story{ProjectID: "missing", Name: "S", Priority: models.PriorityLow})
	assert.ErrorIs(t, err, domainerrors.ErrDanglingReference)

	_, err = f.engine.CreateStory(ctx, models.Story{ProjectID: f.project.ID, Name: "S", Priority: models.PriorityLow, OwnerID: &ghost})
	assert.ErrorIs(t, err, domainerrors.ErrDanglingReference)

	story, err := f.engine.CreateStory(ctx, models.Story{ProjectID: f.project.ID, Name: "S", Priority: models.PriorityLow, OwnerID: &owner})
	require.NoError(t, err)
	assert.Equal(t, models.StatusTodo, story.Status)
	assert.Equal(t, baseTime, story.CreatedAt)

	noOwner := ""
	unowned, err := f.engine.CreateStory(ctx, models.Story{ProjectID: f.project.ID, Name: "S2", Priority: models.PriorityLow, OwnerID: &noOwner})
	require.NoError(t, err)
	assert.Nil(t, unowned.OwnerID, "a blank owner is stored as no owner")
	stored, err := f.engine.GetStory(ctx, unowned.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.OwnerID)
	require.NoError(t, f.engine.DeleteStory(ctx, unowned.ID))

	done := models.StatusDone
	updated, err := f.engine.UpdateStory(ctx, story.ID, models.StoryPatch{OwnerID: &noOwner, Status: &done})
	require.NoError(t, err)
	assert.Nil(t, updated.OwnerID)
	assert.Equal(t, models.StatusDone, updated.Status)

	list, err := f.engine.ListStories(ctx, models.StoryFilter{ProjectID: f.project.ID, Status: models.StatusDone})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, story.ID, list[0].ID)

	_, err = f.engine.ListStories(ctx, models.StoryFilter{ProjectID: "missing"})
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)
}

func TestListTasksRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ListTasks(context.Background(), models.TaskFilter{Status: "blocked"})
	assert.ErrorIs(t, err, domainerrors.ErrInvalidStatus)
}
