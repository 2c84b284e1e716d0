package server

import (
	"net/http"
	"strconv"

	"worktracker/internal/domain/errors"
	"worktracker/internal/domain/models"

	"github.com/gin-gonic/gin"
)

func (api *TrackerAPI) login(ctx *gin.Context) {
	var req models.LoginRequest
	if !api.bind(ctx, &req) {
		return
	}
	pair, err := api.auth.Authenticate(ctx.Request.Context(), req.Login, req.Password)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, pair)
}

func (api *TrackerAPI) refresh(ctx *gin.Context) {
	var req models.RefreshRequest
	if !api.bind(ctx, &req) {
		return
	}
	pair, err := api.auth.Refresh(ctx.Request.Context(), req.RefreshToken)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, pair)
}

func (api *TrackerAPI) logout(ctx *gin.Context) {
	var req models.RefreshRequest
	if !api.bind(ctx, &req) {
		return
	}
	if err := api.auth.Revoke(ctx.Request.Context(), req.RefreshToken); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": "выход выполнен"})
}

func (api *TrackerAPI) me(ctx *gin.Context) {
	user, err := api.users.GetUserByID(ctx.Request.Context(), subjectOf(ctx))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, user)
}

func (api *TrackerAPI) listUsers(ctx *gin.Context) {
	users, err := api.users.ListUsers(ctx.Request.Context())
	if err != nil {
		respondError(ctx, err)
		return
	}

	if raw := ctx.Query("assignable"); raw != "" {
		onlyAssignable, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(ctx, errors.ErrBadRequest)
			return
		}
		if onlyAssignable {
			filtered := users[:0]
			for i := range users {
				if users[i].Assignable() {
					filtered = append(filtered, users[i])
				}
			}
			users = filtered
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"users": nonNil(users)})
}

func (api *TrackerAPI) listProjects(ctx *gin.Context) {
	projects, err := api.items.ListProjects(ctx.Request.Context())
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"projects": nonNil(projects)})
}

func (api *TrackerAPI) createProject(ctx *gin.Context) {
	var req models.CreateProjectRequest
	if !api.bind(ctx, &req) {
		return
	}
	project, err := api.items.CreateProject(ctx.Request.Context(), req.Name, req.Description)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"project": project})
}

func (api *TrackerAPI) getProject(ctx *gin.Context) {
	project, err := api.items.GetProject(ctx.Request.Context(), ctx.Param("projectID"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"project": project})
}

func (api *TrackerAPI) updateProject(ctx *gin.Context) {
	var req models.UpdateProjectRequest
	if !api.bind(ctx, &req) {
		return
	}
	patch := models.ProjectPatch{Name: req.Name, Description: req.Description}
	project, err := api.items.UpdateProject(ctx.Request.Context(), ctx.Param("projectID"), patch)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"project": project})
}

func (api *TrackerAPI) deleteProject(ctx *gin.Context) {
	result, err := api.items.DeleteProject(ctx.Request.Context(), ctx.Param("projectID"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"deleted": result})
}

func (api *TrackerAPI) listProjectStories(ctx *gin.Context) {
	filter := models.StoryFilter{
		ProjectID: ctx.Param("projectID"),
		Status:    models.Status(ctx.Query("status")),
		OwnerID:   ctx.Query("ownerId"),
	}
	stories, err := api.items.ListStories(ctx.Request.Context(), filter)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"stories": nonNil(stories)})
}

func (api *TrackerAPI) createStory(ctx *gin.Context) {
	var req models.CreateStoryRequest
	if !api.bind(ctx, &req) {
		return
	}
	story, err := api.items.CreateStory(ctx.Request.Context(), models.Story{
		ProjectID:   ctx.Param("projectID"),
		Name:        req.Name,
		Description: req.Description,
		Priority:    models.Priority(req.Priority),
		Status:      models.Status(req.Status),
		OwnerID:     req.OwnerID,
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"story": story})
}

func (api *TrackerAPI) getStory(ctx *gin.Context) {
	story, err := api.items.GetStory(ctx.Request.Context(), ctx.Param("storyID"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"story": story})
}

func (api *TrackerAPI) updateStory(ctx *gin.Context) {
	var req models.UpdateStoryRequest
	if !api.bind(ctx, &req) {
		return
	}
	if len(req.ProjectID) > 0 {
		respondError(ctx, errors.ErrMachineOwnedField)
		return
	}
	patch := models.StoryPatch{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     req.OwnerID,
	}
	if req.Priority != nil {
		p := models.Priority(*req.Priority)
		patch.Priority = &p
	}
	if req.Status != nil {
		s := models.Status(*req.Status)
		patch.Status = &s
	}
	story, err := api.items.UpdateStory(ctx.Request.Context(), ctx.Param("storyID"), patch)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"story": story})
}

func (api *TrackerAPI) deleteStory(ctx *gin.Context) {
	if err := api.items.DeleteStory(ctx.Request.Context(), ctx.Param("storyID")); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": "история удалена"})
}

func (api *TrackerAPI) listTasks(ctx *gin.Context) {
	api.respondTasks(ctx, models.TaskFilter{
		ProjectID:      ctx.Query("projectId"),
		StoryID:        ctx.Query("storyId"),
		Status:         models.Status(ctx.Query("status")),
		AssignedUserID: ctx.Query("assignedUserId"),
	})
}

func (api *TrackerAPI) listProjectTasks(ctx *gin.Context) {
	projectID := ctx.Param("projectID")
	if _, err := api.items.GetProject(ctx.Request.Context(), projectID); err != nil {
		respondError(ctx, err)
		return
	}
	api.respondTasks(ctx, models.TaskFilter{
		ProjectID: projectID,
		Status:    models.Status(ctx.Query("status")),
	})
}

func (api *TrackerAPI) listStoryTasks(ctx *gin.Context) {
	storyID := ctx.Param("storyID")
	if _, err := api.items.GetStory(ctx.Request.Context(), storyID); err != nil {
		respondError(ctx, err)
		return
	}
	api.respondTasks(ctx, models.TaskFilter{
		StoryID: storyID,
		Status:  models.Status(ctx.Query("status")),
	})
}

func (api *TrackerAPI) respondTasks(ctx *gin.Context, filter models.TaskFilter) {
	tasks, err := api.items.ListTasks(ctx.Request.Context(), filter)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"tasks": nonNil(tasks)})
}

func (api *TrackerAPI) createTask(ctx *gin.Context) {
	var req models.CreateTaskRequest
	if !api.bind(ctx, &req) {
		return
	}
	storyID := ctx.Param("storyID")
	if req.StoryID != "" && req.StoryID != storyID {
		respondError(ctx, errors.ErrInvalidReference)
		return
	}
	task, err := api.items.CreateTask(ctx.Request.Context(), models.NewTask{
		StoryID:       storyID,
		ProjectID:     req.ProjectID,
		Name:          req.Name,
		Description:   req.Description,
		Priority:      models.Priority(req.Priority),
		EstimatedTime: req.EstimatedTime,
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"task": task})
}

func (api *TrackerAPI) getTask(ctx *gin.Context) {
	task, err := api.items.GetTask(ctx.Request.Context(), ctx.Param("taskID"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"task": task})
}

// updateTask edits the whitelisted fields. Status, assignee and dates move
// only through assign, complete and reset.
func (api *TrackerAPI) updateTask(ctx *gin.Context) {
	var req models.UpdateTaskRequest
	if !api.bind(ctx, &req) {
		return
	}
	if fields := req.MachineOwnedFields(); len(fields) > 0 {
		status, body := errorBody(errors.ErrMachineOwnedField)
		body.IDs = fields
		ctx.JSON(status, body)
		return
	}
	patch := models.TaskPatch{
		Name:          req.Name,
		Description:   req.Description,
		StoryID:       req.StoryID,
		EstimatedTime: req.EstimatedTime,
	}
	if req.Priority != nil {
		p := models.Priority(*req.Priority)
		patch.Priority = &p
	}
	task, err := api.items.Edit(ctx.Request.Context(), ctx.Param("taskID"), patch)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"task": task})
}

func (api *TrackerAPI) deleteTask(ctx *gin.Context) {
	if err := api.items.DeleteTask(ctx.Request.Context(), ctx.Param("taskID")); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": "задача успешно удалена"})
}

func (api *TrackerAPI) assignTask(ctx *gin.Context) {
	var req models.AssignTaskRequest
	if !api.bind(ctx, &req) {
		return
	}
	task, err := api.items.Assign(ctx.Request.Context(), ctx.Param("taskID"), req.UserID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"task": task})
}

func (api *TrackerAPI) completeTask(ctx *gin.Context) {
	task, err := api.items.Complete(ctx.Request.Context(), ctx.Param("taskID"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"task": task})
}

func (api *TrackerAPI) resetTask(ctx *gin.Context) {
	task, err := api.items.Reset(ctx.Request.Context(), ctx.Param("taskID"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"task": task})
}
