package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"worktracker/internal/domain/errors"
	"worktracker/internal/domain/models"
)

// Storage keeps every entity in maps guarded by one RWMutex. Batch deletes
// happen under a single write lock, so each batch is atomic to readers.
type Storage struct {
	mu       sync.RWMutex
	users    map[string]models.User
	projects map[string]models.Project
	stories  map[string]models.Story
	tasks    map[string]models.Task
	refresh  map[string]models.RefreshToken
}

func NewStorage() *Storage {
	return &Storage{
		users:    make(map[string]models.User),
		projects: make(map[string]models.Project),
		stories:  make(map[string]models.Story),
		tasks:    make(map[string]models.Task),
		refresh:  make(map[string]models.RefreshToken),
	}
}

func (s *Storage) GetUserByID(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, exists := s.users[id]
	if !exists {
		return nil, errors.ErrUserNotFound
	}
	return &user, nil
}

func (s *Storage) GetUserByLogin(_ context.Context, login string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Login, login) {
			return &user, nil
		}
	}
	return nil, errors.ErrUserNotFound
}

func (s *Storage) ListUsers(_ context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Login < users[j].Login })
	return users, nil
}

// UpsertUser is used by startup seeding only.
func (s *Storage) UpsertUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.users {
		if id != user.ID && strings.EqualFold(existing.Login, user.Login) {
			return errors.ErrConflict
		}
	}
	s.users[user.ID] = *user
	return nil
}

func (s *Storage) SaveRefreshToken(_ context.Context, token *models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.refresh[token.TokenHash]; exists {
		return errors.ErrConflict
	}
	s.refresh[token.TokenHash] = *token
	return nil
}

func (s *Storage) ConsumeRefreshToken(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, exists := s.refresh[tokenHash]
	if !exists {
		return nil, errors.ErrNotFound
	}
	delete(s.refresh, tokenHash)
	return &token, nil
}

func (s *Storage) CreateProject(_ context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[project.ID]; exists {
		return errors.ErrConflict
	}
	s.projects[project.ID] = *project
	return nil
}

func (s *Storage) GetProject(_ context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, exists := s.projects[id]
	if !exists {
		return nil, errors.ErrNotFound
	}
	return &project, nil
}

func (s *Storage) ListProjects(_ context.Context) ([]models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	projects := make([]models.Project, 0, len(s.projects))
	for _, p := range s.projects {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

func (s *Storage) UpdateProject(_ context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[project.ID]; !exists {
		return errors.ErrNotFound
	}
	s.projects[project.ID] = *project
	return nil
}

func (s *Storage) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[id]; !exists {
		return errors.ErrNotFound
	}
	for _, st := range s.stories {
		if st.ProjectID == id {
			return errors.ErrHasDependents
		}
	}
	for _, t := range s.tasks {
		if t.ProjectID == id {
			return errors.ErrHasDependents
		}
	}
	delete(s.projects, id)
	return nil
}

func (s *Storage) CreateStory(_ context.Context, story *models.Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[story.ProjectID]; !exists {
		return errors.ErrDanglingReference
	}
	if _, exists := s.stories[story.ID]; exists {
		return errors.ErrConflict
	}
	s.stories[story.ID] = cloneStory(*story)
	return nil
}

func (s *Storage) GetStory(_ context.Context, id string) (*models.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	story, exists := s.stories[id]
	if !exists {
		return nil, errors.ErrNotFound
	}
	story = cloneStory(story)
	return &story, nil
}

func (s *Storage) ListStories(_ context.Context, filter models.StoryFilter) ([]models.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stories := []models.Story{}
	for _, st := range s.stories {
		if filter.Match(&st) {
			stories = append(stories, cloneStory(st))
		}
	}
	sort.Slice(stories, func(i, j int) bool { return stories[i].CreatedAt.Before(stories[j].CreatedAt) })
	return stories, nil
}

func (s *Storage) UpdateStory(_ context.Context, story *models.Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.stories[story.ID]
	if !exists {
		return errors.ErrNotFound
	}
	if existing.ProjectID != story.ProjectID {
		return errors.ErrStoryProjectMismatch
	}
	s.stories[story.ID] = cloneStory(*story)
	return nil
}

// DeleteStories removes all ids or none. Missing ids are skipped.
func (s *Storage) DeleteStories(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doomed := make(map[string]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
	}
	for _, t := range s.tasks {
		if doomed[t.StoryID] {
			return errors.ErrHasDependents
		}
	}
	for _, id := range ids {
		delete(s.stories, id)
	}
	return nil
}

func (s *Storage) CreateTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	story, exists := s.stories[task.StoryID]
	if !exists || story.ProjectID != task.ProjectID {
		return errors.ErrDanglingReference
	}
	if _, exists := s.tasks[task.ID]; exists {
		return errors.ErrConflict
	}
	s.tasks[task.ID] = cloneTask(*task)
	return nil
}

func (s *Storage) GetTask(_ context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, exists := s.tasks[id]
	if !exists {
		return nil, errors.ErrNotFound
	}
	task = cloneTask(task)
	return &task, nil
}

func (s *Storage) ListTasks(_ context.Context, filter models.TaskFilter) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := []models.Task{}
	for _, t := range s.tasks {
		if filter.Match(&t) {
			tasks = append(tasks, cloneTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *Storage) UpdateTask(_ context.Context, task *models.Task, expected models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.tasks[task.ID]
	if !exists {
		return errors.ErrNotFound
	}
	if existing.Status != expected {
		return errors.ErrConflict
	}
	story, exists := s.stories[task.StoryID]
	if !exists || story.ProjectID != task.ProjectID {
		return errors.ErrDanglingReference
	}
	s.tasks[task.ID] = cloneTask(*task)
	return nil
}

func (s *Storage) DeleteTasks(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.tasks, id)
	}
	return nil
}

// Copies keep callers from mutating stored pointer fields.
func cloneStory(st models.Story) models.Story {
	if st.OwnerID != nil {
		owner := *st.OwnerID
		st.OwnerID = &owner
	}
	return st
}

func cloneTask(t models.Task) models.Task {
	if t.AssignedUserID != nil {
		v := *t.AssignedUserID
		t.AssignedUserID = &v
	}
	if t.StartDate != nil {
		v := *t.StartDate
		t.StartDate = &v
	}
	if t.EndDate != nil {
		v := *t.EndDate
		t.EndDate = &v
	}
	if t.EstimatedTime != nil {
		v := *t.EstimatedTime
		t.EstimatedTime = &v
	}
	return t
}
