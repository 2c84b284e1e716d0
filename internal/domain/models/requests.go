package models

import (
	"encoding/json"
	"sort"
)

type LoginRequest struct {
	Login    string `json:"login" validate:"required,max=50"`
	Password string `json:"password" validate:"required,max=100"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type CreateProjectRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Description string `json:"description" validate:"omitempty,max=1000"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
}

type CreateStoryRequest struct {
	Name        string  `json:"name" validate:"required,min=1,max=100"`
	Description string  `json:"description" validate:"omitempty,max=1000"`
	Priority    string  `json:"priority" validate:"required,oneof=low medium high"`
	Status      string  `json:"status" validate:"omitempty,oneof=todo doing done"`
	OwnerID     *string `json:"ownerId"`
}

type UpdateStoryRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
	Priority    *string `json:"priority" validate:"omitempty,oneof=low medium high"`
	Status      *string `json:"status" validate:"omitempty,oneof=todo doing done"`
	OwnerID     *string `json:"ownerId"`

	ProjectID json.RawMessage `json:"projectId,omitempty"`
}

type CreateTaskRequest struct {
	StoryID       string   `json:"storyId" validate:"omitempty"`
	ProjectID     string   `json:"projectId" validate:"omitempty"`
	Name          string   `json:"name" validate:"required,min=1,max=100"`
	Description   string   `json:"description" validate:"omitempty,max=1000"`
	Priority      string   `json:"priority" validate:"required,oneof=low medium high"`
	EstimatedTime *float64 `json:"estimatedTime" validate:"omitempty,gte=0"`
}

// UpdateTaskRequest decodes a task edit. The raw fields exist only so that
// attempts to write them can be detected and refused.
type UpdateTaskRequest struct {
	Name          *string  `json:"name" validate:"omitempty,min=1,max=100"`
	Description   *string  `json:"description" validate:"omitempty,max=1000"`
	Priority      *string  `json:"priority" validate:"omitempty,oneof=low medium high"`
	StoryID       *string  `json:"storyId" validate:"omitempty,min=1"`
	EstimatedTime *float64 `json:"estimatedTime" validate:"omitempty,gte=0"`

	ID             json.RawMessage `json:"id,omitempty"`
	ProjectID      json.RawMessage `json:"projectId,omitempty"`
	Status         json.RawMessage `json:"status,omitempty"`
	AssignedUserID json.RawMessage `json:"assignedUserId,omitempty"`
	StartDate      json.RawMessage `json:"startDate,omitempty"`
	EndDate        json.RawMessage `json:"endDate,omitempty"`
	CreatedAt      json.RawMessage `json:"createdAt,omitempty"`
}

// MachineOwnedFields returns the JSON names of forbidden fields present in the request.
func (r *UpdateTaskRequest) MachineOwnedFields() []string {
	var fields []string
	for name, raw := range map[string]json.RawMessage{
		"id":             r.ID,
		"projectId":      r.ProjectID,
		"status":         r.Status,
		"assignedUserId": r.AssignedUserID,
		"startDate":      r.StartDate,
		"endDate":        r.EndDate,
		"createdAt":      r.CreatedAt,
	} {
		if len(raw) > 0 {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}

type AssignTaskRequest struct {
	UserID string `json:"userId" validate:"required"`
}
