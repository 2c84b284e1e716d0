package models

import "time"

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleDevops    Role = "devops"
)

type Status string

const (
	StatusTodo  Status = "todo"
	StatusDoing Status = "doing"
	StatusDone  Status = "done"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type User struct {
	ID           string `json:"id" yaml:"id" validate:"required,max=64"`
	Login        string `json:"login" yaml:"login" validate:"required,min=3,max=50"`
	PasswordHash string `json:"-" yaml:"passwordHash" validate:"required"`
	Role         Role   `json:"role" yaml:"role" validate:"required,oneof=admin developer devops"`
	FirstName    string `json:"firstName" yaml:"firstName" validate:"max=100"`
	LastName     string `json:"lastName" yaml:"lastName" validate:"max=100"`
}

// Assignable reports whether the user may own a task.
func (u *User) Assignable() bool {
	return u.Role == RoleDeveloper || u.Role == RoleDevops
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Description string `json:"description" validate:"max=1000"`
}

type Story struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId" validate:"required"`
	Name        string    `json:"name" validate:"required,min=1,max=100"`
	Description string    `json:"description" validate:"max=1000"`
	Priority    Priority  `json:"priority" validate:"required,oneof=low medium high"`
	Status      Status    `json:"status" validate:"required,oneof=todo doing done"`
	OwnerID     *string   `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Task struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"projectId" validate:"required"`
	StoryID        string     `json:"storyId" validate:"required"`
	Name           string     `json:"name" validate:"required,min=1,max=100"`
	Description    string     `json:"description" validate:"max=1000"`
	Priority       Priority   `json:"priority" validate:"required,oneof=low medium high"`
	Status         Status     `json:"status" validate:"required,oneof=todo doing done"`
	AssignedUserID *string    `json:"assignedUserId"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartDate      *time.Time `json:"startDate"`
	EndDate        *time.Time `json:"endDate"`
	EstimatedTime  *float64   `json:"estimatedTime" validate:"omitempty,gte=0"`
}

// NewTask carries the caller-supplied fields of a task being created.
type NewTask struct {
	StoryID       string   `json:"storyId" validate:"required"`
	ProjectID     string   `json:"projectId"`
	Name          string   `json:"name" validate:"required,min=1,max=100"`
	Description   string   `json:"description" validate:"max=1000"`
	Priority      Priority `json:"priority" validate:"required,oneof=low medium high"`
	EstimatedTime *float64 `json:"estimatedTime" validate:"omitempty,gte=0"`
}

// TaskPatch lists the task fields a caller may change directly. Nil leaves a
// field untouched.
type TaskPatch struct {
	Name          *string   `json:"name" validate:"omitempty,min=1,max=100"`
	Description   *string   `json:"description" validate:"omitempty,max=1000"`
	Priority      *Priority `json:"priority" validate:"omitempty,oneof=low medium high"`
	StoryID       *string   `json:"storyId" validate:"omitempty,min=1"`
	EstimatedTime *float64  `json:"estimatedTime" validate:"omitempty,gte=0"`
}

type StoryPatch struct {
	Name        *string   `json:"name" validate:"omitempty,min=1,max=100"`
	Description *string   `json:"description" validate:"omitempty,max=1000"`
	Priority    *Priority `json:"priority" validate:"omitempty,oneof=low medium high"`
	Status      *Status   `json:"status" validate:"omitempty,oneof=todo doing done"`
	OwnerID     *string   `json:"ownerId"`
}

type ProjectPatch struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
}

// Zero-valued fields of a filter match everything.
type TaskFilter struct {
	ProjectID      string
	StoryID        string
	Status         Status
	AssignedUserID string
}

func (f TaskFilter) Match(t *Task) bool {
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if f.StoryID != "" && t.StoryID != f.StoryID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.AssignedUserID != "" && (t.AssignedUserID == nil || *t.AssignedUserID != f.AssignedUserID) {
		return false
	}
	return true
}

type StoryFilter struct {
	ProjectID string
	Status    Status
	OwnerID   string
}

func (f StoryFilter) Match(s *Story) bool {
	if f.ProjectID != "" && s.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.OwnerID != "" && (s.OwnerID == nil || *s.OwnerID != f.OwnerID) {
		return false
	}
	return true
}

type CascadeResult struct {
	ProjectID string   `json:"projectId"`
	TaskIDs   []string `json:"taskIds"`
	StoryIDs  []string `json:"storyIds"`
}

type RefreshToken struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}
