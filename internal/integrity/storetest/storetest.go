// Package storetest holds the behaviour every storage backend has to share.
// Backends call Run from their own tests with a constructor for an empty store.
package storetest

import (
	"context"
	"testing"
	"time"

	"worktracker/internal/auth"
	"worktracker/internal/domain/errors"
	"worktracker/internal/domain/models"
	"worktracker/internal/integrity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Backend interface {
	integrity.Store
	auth.CredentialStore
	auth.RefreshTokenStore
	auth.UserSeeder
	ListUsers(ctx context.Context) ([]models.User, error)
}

// Timestamps are microsecond precision so PostgreSQL round-trips them exactly.
var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func ptr[T any](v T) *T {
	return &v
}

// Run executes the shared cases. open must return an empty store per call.
func Run(t *testing.T, open func(t *testing.T) Backend) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s Backend)
	}{
		{"Users", testUsers},
		{"RefreshTokens", testRefreshTokens},
		{"Projects", testProjects},
		{"Stories", testStories},
		{"TaskReferences", testTaskReferences},
		{"TaskCompareAndSwap", testTaskCompareAndSwap},
		{"TaskFilters", testTaskFilters},
		{"DeleteGuards", testDeleteGuards},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.fn(t, open(t))
		})
	}
}

func seedUsers(t *testing.T, s Backend) {
	t.Helper()
	ctx := context.Background()
	for _, u := range []models.User{
		{ID: "u-admin", Login: "admin", PasswordHash: "h", Role: models.RoleAdmin},
		{ID: "u-dev", Login: "Dev1", PasswordHash: "h", Role: models.RoleDeveloper, FirstName: "Ann"},
		{ID: "u-ops", Login: "ops1", PasswordHash: "h", Role: models.RoleDevops},
	} {
		require.NoError(t, s.UpsertUser(ctx, &u))
	}
}

type fixture struct {
	project *models.Project
	story   *models.Story
}

func seedHierarchy(t *testing.T, s Backend, projectID string) fixture {
	t.Helper()
	ctx := context.Background()
	project := &models.Project{ID: projectID, Name: "Project " + projectID, Description: "d"}
	require.NoError(t, s.CreateProject(ctx, project))
	story := &models.Story{
		ID:        projectID + "-s1",
		ProjectID: projectID,
		Name:      "Story",
		Priority:  models.PriorityMedium,
		Status:    models.StatusTodo,
		CreatedAt: at(0),
	}
	require.NoError(t, s.CreateStory(ctx, story))
	return fixture{project: project, story: story}
}

func todoTask(id string, f fixture, createdAt time.Time) *models.Task {
	return &models.Task{
		ID:        id,
		ProjectID: f.project.ID,
		StoryID:   f.story.ID,
		Name:      "Task " + id,
		Priority:  models.PriorityLow,
		Status:    models.StatusTodo,
		CreatedAt: createdAt,
	}
}

func testUsers(t *testing.T, s Backend) {
	ctx := context.Background()
	seedUsers(t, s)

	tests := []struct {
		name  string
		login string
		want  struct {
			id  string
			err error
		}
	}{
		{name: "exact", login: "admin", want: struct {
			id  string
			err error
		}{id: "u-admin"}},
		{name: "case insensitive", login: "DEV1", want: struct {
			id  string
			err error
		}{id: "u-dev"}},
		{name: "unknown", login: "ghost", want: struct {
			id  string
			err error
		}{err: errors.ErrUserNotFound}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := s.GetUserByLogin(ctx, tt.login)
			if tt.want.err != nil {
				assert.ErrorIs(t, err, tt.want.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.id, user.ID)
		})
	}

	user, err := s.GetUserByID(ctx, "u-dev")
	require.NoError(t, err)
	assert.Equal(t, "Ann", user.FirstName)
	assert.Equal(t, models.RoleDeveloper, user.Role)

	_, err = s.GetUserByID(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrUserNotFound)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 3)

	update := models.User{ID: "u-dev", Login: "dev1", PasswordHash: "h2", Role: models.RoleDevops}
	require.NoError(t, s.UpsertUser(ctx, &update))
	user, err = s.GetUserByID(ctx, "u-dev")
	require.NoError(t, err)
	assert.Equal(t, models.RoleDevops, user.Role)
	assert.Equal(t, "h2", user.PasswordHash)

	clash := models.User{ID: "u-other", Login: "ADMIN", PasswordHash: "h", Role: models.RoleDeveloper}
	assert.ErrorIs(t, s.UpsertUser(ctx, &clash), errors.ErrConflict)
}

func testRefreshTokens(t *testing.T, s Backend) {
	ctx := context.Background()
	seedUsers(t, s)

	token := &models.RefreshToken{TokenHash: "abc123", UserID: "u-dev", ExpiresAt: at(60), CreatedAt: at(0)}
	require.NoError(t, s.SaveRefreshToken(ctx, token))
	assert.ErrorIs(t, s.SaveRefreshToken(ctx, token), errors.ErrConflict)

	got, err := s.ConsumeRefreshToken(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "u-dev", got.UserID)
	assert.True(t, got.ExpiresAt.Equal(at(60)))

	_, err = s.ConsumeRefreshToken(ctx, "abc123")
	assert.ErrorIs(t, err, errors.ErrNotFound, "a token is consumed once")

	_, err = s.ConsumeRefreshToken(ctx, "never-issued")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func testProjects(t *testing.T, s Backend) {
	ctx := context.Background()

	require.NoError(t, s.CreateProject(ctx, &models.Project{ID: "p2", Name: "Beta"}))
	require.NoError(t, s.CreateProject(ctx, &models.Project{ID: "p1", Name: "Alpha", Description: "first"}))
	assert.ErrorIs(t, s.CreateProject(ctx, &models.Project{ID: "p1", Name: "Again"}), errors.ErrConflict)

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "Alpha", projects[0].Name)
	assert.Equal(t, "Beta", projects[1].Name)

	require.NoError(t, s.UpdateProject(ctx, &models.Project{ID: "p1", Name: "Alpha 2", Description: "renamed"}))
	project, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Alpha 2", project.Name)
	assert.Equal(t, "renamed", project.Description)

	assert.ErrorIs(t, s.UpdateProject(ctx, &models.Project{ID: "nope", Name: "x"}), errors.ErrNotFound)
	_, err = s.GetProject(ctx, "nope")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	require.NoError(t, s.DeleteProject(ctx, "p2"))
	assert.ErrorIs(t, s.DeleteProject(ctx, "p2"), errors.ErrNotFound)
}

func testStories(t *testing.T, s Backend) {
	ctx := context.Background()
	seedUsers(t, s)
	f := seedHierarchy(t, s, "p1")

	orphan := &models.Story{ID: "orphan", ProjectID: "missing", Name: "x", Priority: models.PriorityLow, Status: models.StatusTodo, CreatedAt: at(1)}
	assert.ErrorIs(t, s.CreateStory(ctx, orphan), errors.ErrDanglingReference)

	second := &models.Story{ID: "p1-s2", ProjectID: "p1", Name: "Second", Priority: models.PriorityHigh, Status: models.StatusDoing, OwnerID: ptr("u-dev"), CreatedAt: at(5)}
	require.NoError(t, s.CreateStory(ctx, second))

	got, err := s.GetStory(ctx, "p1-s2")
	require.NoError(t, err)
	require.NotNil(t, got.OwnerID)
	assert.Equal(t, "u-dev", *got.OwnerID)
	assert.True(t, got.CreatedAt.Equal(at(5)))

	tests := []struct {
		name   string
		filter models.StoryFilter
		want   struct {
			ids []string
		}
	}{
		{name: "by project ordered by creation", filter: models.StoryFilter{ProjectID: "p1"}, want: struct{ ids []string }{ids: []string{f.story.ID, "p1-s2"}}},
		{name: "by status", filter: models.StoryFilter{Status: models.StatusDoing}, want: struct{ ids []string }{ids: []string{"p1-s2"}}},
		{name: "by owner", filter: models.StoryFilter{OwnerID: "u-dev"}, want: struct{ ids []string }{ids: []string{"p1-s2"}}},
		{name: "no match", filter: models.StoryFilter{ProjectID: "p9"}, want: struct{ ids []string }{ids: []string{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stories, err := s.ListStories(ctx, tt.filter)
			require.NoError(t, err)
			ids := []string{}
			for _, st := range stories {
				ids = append(ids, st.ID)
			}
			assert.Equal(t, tt.want.ids, ids)
		})
	}

	got.Name = "Second renamed"
	got.OwnerID = nil
	got.Status = models.StatusDone
	require.NoError(t, s.UpdateStory(ctx, got))
	got, err = s.GetStory(ctx, "p1-s2")
	require.NoError(t, err)
	assert.Equal(t, "Second renamed", got.Name)
	assert.Nil(t, got.OwnerID)
	assert.Equal(t, models.StatusDone, got.Status)

	missing := *got
	missing.ID = "missing"
	assert.ErrorIs(t, s.UpdateStory(ctx, &missing), errors.ErrNotFound)
}

func testTaskReferences(t *testing.T, s Backend) {
	ctx := context.Background()
	seedUsers(t, s)
	f := seedHierarchy(t, s, "p1")
	other := seedHierarchy(t, s, "p2")

	tests := []struct {
		name string
		task *models.Task
		want struct {
			err error
		}
	}{
		{name: "valid", task: todoTask("t1", f, at(1))},
		{name: "duplicate id", task: todoTask("t1", f, at(2)), want: struct{ err error }{err: errors.ErrConflict}},
		{name: "missing story", task: &models.Task{
			ID: "t2", ProjectID: "p1", StoryID: "missing", Name: "x",
			Priority: models.PriorityLow, Status: models.StatusTodo, CreatedAt: at(3),
		}, want: struct{ err error }{err: errors.ErrDanglingReference}},
		{name: "story from another project", task: &models.Task{
			ID: "t3", ProjectID: "p1", StoryID: other.story.ID, Name: "x",
			Priority: models.PriorityLow, Status: models.StatusTodo, CreatedAt: at(4),
		}, want: struct{ err error }{err: errors.ErrDanglingReference}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.CreateTask(ctx, tt.task)
			if tt.want.err != nil {
				assert.ErrorIs(t, err, tt.want.err)
				return
			}
			assert.NoError(t, err)
		})
	}

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	task.StoryID = other.story.ID
	assert.ErrorIs(t, s.UpdateTask(ctx, task, models.StatusTodo), errors.ErrDanglingReference,
		"moving a task under a story of another project")

	_, err = s.GetTask(ctx, "t3")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func testTaskCompareAndSwap(t *testing.T, s Backend) {
	ctx := context.Background()
	seedUsers(t, s)
	f := seedHierarchy(t, s, "p1")
	require.NoError(t, s.CreateTask(ctx, todoTask("t1", f, at(1))))

	doing, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	doing.Status = models.StatusDoing
	doing.AssignedUserID = ptr("u-dev")
	doing.StartDate = ptr(at(10))
	doing.EstimatedTime = ptr(2.5)
	require.NoError(t, s.UpdateTask(ctx, doing, models.StatusTodo))

	stale := *doing
	stale.AssignedUserID = ptr("u-ops")
	assert.ErrorIs(t, s.UpdateTask(ctx, &stale, models.StatusTodo), errors.ErrConflict)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDoing, got.Status)
	require.NotNil(t, got.AssignedUserID)
	assert.Equal(t, "u-dev", *got.AssignedUserID, "the losing write must not land")
	require.NotNil(t, got.StartDate)
	assert.True(t, got.StartDate.Equal(at(10)))
	assert.Nil(t, got.EndDate)
	require.NotNil(t, got.EstimatedTime)
	assert.InDelta(t, 2.5, *got.EstimatedTime, 1e-9)

	got.Status = models.StatusDone
	got.EndDate = ptr(at(30))
	require.NoError(t, s.UpdateTask(ctx, got, models.StatusDoing))

	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.EndDate)
	assert.True(t, got.EndDate.Equal(at(30)))

	missing := *got
	missing.ID = "missing"
	assert.ErrorIs(t, s.UpdateTask(ctx, &missing, models.StatusDone), errors.ErrNotFound)
}

func testTaskFilters(t *testing.T, s Backend) {
	ctx := context.Background()
	seedUsers(t, s)
	f := seedHierarchy(t, s, "p1")
	other := seedHierarchy(t, s, "p2")

	require.NoError(t, s.CreateTask(ctx, todoTask("t3", f, at(3))))
	require.NoError(t, s.CreateTask(ctx, todoTask("t1", f, at(1))))
	require.NoError(t, s.CreateTask(ctx, todoTask("t9", other, at(2))))

	assigned, err := s.GetTask(ctx, "t3")
	require.NoError(t, err)
	assigned.Status = models.StatusDoing
	assigned.AssignedUserID = ptr("u-ops")
	assigned.StartDate = ptr(at(4))
	require.NoError(t, s.UpdateTask(ctx, assigned, models.StatusTodo))

	tests := []struct {
		name   string
		filter models.TaskFilter
		want   struct {
			ids []string
		}
	}{
		{name: "all ordered by creation", want: struct{ ids []string }{ids: []string{"t1", "t9", "t3"}}},
		{name: "by project", filter: models.TaskFilter{ProjectID: "p1"}, want: struct{ ids []string }{ids: []string{"t1", "t3"}}},
		{name: "by story", filter: models.TaskFilter{StoryID: other.story.ID}, want: struct{ ids []string }{ids: []string{"t9"}}},
		{name: "by status", filter: models.TaskFilter{Status: models.StatusDoing}, want: struct{ ids []string }{ids: []string{"t3"}}},
		{name: "by assignee", filter: models.TaskFilter{AssignedUserID: "u-ops"}, want: struct{ ids []string }{ids: []string{"t3"}}},
		{name: "combined without match", filter: models.TaskFilter{ProjectID: "p2", Status: models.StatusDoing}, want: struct{ ids []string }{ids: []string{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := s.ListTasks(ctx, tt.filter)
			require.NoError(t, err)
			ids := []string{}
			for _, task := range tasks {
				ids = append(ids, task.ID)
			}
			assert.Equal(t, tt.want.ids, ids)
		})
	}
}

func testDeleteGuards(t *testing.T, s Backend) {
	ctx := context.Background()
	seedUsers(t, s)
	f := seedHierarchy(t, s, "p1")
	require.NoError(t, s.CreateTask(ctx, todoTask("t1", f, at(1))))

	assert.ErrorIs(t, s.DeleteStories(ctx, []string{f.story.ID}), errors.ErrHasDependents)
	assert.ErrorIs(t, s.DeleteProject(ctx, "p1"), errors.ErrHasDependents)

	_, err := s.GetStory(ctx, f.story.ID)
	require.NoError(t, err, "a refused batch leaves the story in place")

	require.NoError(t, s.DeleteTasks(ctx, []string{"t1", "never-existed"}))
	require.NoError(t, s.DeleteTasks(ctx, nil))
	_, err = s.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	assert.ErrorIs(t, s.DeleteProject(ctx, "p1"), errors.ErrHasDependents)
	require.NoError(t, s.DeleteStories(ctx, []string{f.story.ID, "never-existed"}))
	require.NoError(t, s.DeleteProject(ctx, "p1"))

	_, err = s.GetProject(ctx, "p1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
