package server

import (
	"context"
	stderrors "errors"
	"log"
	"net/http"
	"time"

	"worktracker/internal/auth"
	"worktracker/internal/domain/errors"
	"worktracker/internal/domain/models"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator"
)

type Authenticator interface {
	TokenVerifier
	Authenticate(ctx context.Context, login, password string) (*models.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error)
	Revoke(ctx context.Context, refreshToken string) error
}

type UserDirectory interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}

// WorkItems is the lifecycle and integrity engine as seen by the handlers.
type WorkItems interface {
	CreateProject(ctx context.Context, name, description string) (*models.Project, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]models.Project, error)
	UpdateProject(ctx context.Context, id string, patch models.ProjectPatch) (*models.Project, error)
	DeleteProject(ctx context.Context, id string) (*models.CascadeResult, error)

	CreateStory(ctx context.Context, story models.Story) (*models.Story, error)
	GetStory(ctx context.Context, id string) (*models.Story, error)
	ListStories(ctx context.Context, filter models.StoryFilter) ([]models.Story, error)
	UpdateStory(ctx context.Context, id string, patch models.StoryPatch) (*models.Story, error)
	DeleteStory(ctx context.Context, id string) error

	CreateTask(ctx context.Context, in models.NewTask) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error)
	Edit(ctx context.Context, taskID string, patch models.TaskPatch) (*models.Task, error)
	Assign(ctx context.Context, taskID, userID string) (*models.Task, error)
	Complete(ctx context.Context, taskID string) (*models.Task, error)
	Reset(ctx context.Context, taskID string) (*models.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

type TrackerAPI struct {
	httpSrv *http.Server
	auth    Authenticator
	items   WorkItems
	users   UserDirectory
	valid   *validator.Validate
}

func NewTrackerAPI(cfg *Config, authn Authenticator, items WorkItems, users UserDirectory) *TrackerAPI {
	if cfg == nil || authn == nil || items == nil || users == nil {
		return nil
	}

	api := &TrackerAPI{
		httpSrv: &http.Server{
			Addr:              cfg.ListenAddr(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		auth:  authn,
		items: items,
		users: users,
		valid: validator.New(),
	}
	api.configRoutes(cfg.AllowedOrigins)
	return api
}

func (api *TrackerAPI) Start() error {
	if api.httpSrv == nil {
		return errors.ErrInternalServer
	}
	log.Println("[INFO] Сервер слушает", api.httpSrv.Addr)
	return api.httpSrv.ListenAndServe()
}

func (api *TrackerAPI) Shutdown(ctx context.Context) error {
	return api.httpSrv.Shutdown(ctx)
}

// Handler exposes the router, mainly for httptest.
func (api *TrackerAPI) Handler() http.Handler {
	return api.httpSrv.Handler
}

func (api *TrackerAPI) configRoutes(origins []string) {
	router := gin.Default()
	router.HandleMethodNotAllowed = true
	router.Use(CORS(origins), GzipRequestDecompress(), GzipResponseCompress())

	router.NoMethod(func(ctx *gin.Context) {
		ctx.JSON(http.StatusMethodNotAllowed, gin.H{"error": "использован некорректный HTTP-метод"})
	})
	router.NoRoute(func(ctx *gin.Context) {
		respondError(ctx, errors.ErrNotFound)
	})

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", api.login)
		authGroup.POST("/refresh", api.refresh)
		authGroup.POST("/logout", api.logout)
	}

	protected := router.Group("", BearerAuth(api.auth))

	users := protected.Group("/users")
	{
		users.GET("/me", api.me)
		users.GET("", api.listUsers)
	}

	projects := protected.Group("/projects")
	{
		projects.GET("", api.listProjects)
		projects.POST("", api.createProject)
		projects.GET("/:projectID", api.getProject)
		projects.PUT("/:projectID", api.updateProject)
		projects.DELETE("/:projectID", api.deleteProject)
		projects.GET("/:projectID/stories", api.listProjectStories)
		projects.POST("/:projectID/stories", api.createStory)
		projects.GET("/:projectID/tasks", api.listProjectTasks)
	}

	stories := protected.Group("/stories")
	{
		stories.GET("/:storyID", api.getStory)
		stories.PUT("/:storyID", api.updateStory)
		stories.DELETE("/:storyID", api.deleteStory)
		stories.GET("/:storyID/tasks", api.listStoryTasks)
		stories.POST("/:storyID/tasks", api.createTask)
	}

	tasks := protected.Group("/tasks")
	{
		tasks.GET("", api.listTasks)
		tasks.GET("/:taskID", api.getTask)
		tasks.PUT("/:taskID", api.updateTask)
		tasks.DELETE("/:taskID", api.deleteTask)
		tasks.POST("/:taskID/assign", api.assignTask)
		tasks.POST("/:taskID/complete", api.completeTask)
		tasks.POST("/:taskID/reset", api.resetTask)
	}

	api.httpSrv.Handler = router
}

type errorResponse struct {
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
	IDs     []string        `json:"ids,omitempty"`
	Removed *errors.Removed `json:"removed,omitempty"`
}

func statusFor(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrCascadeDeleteFailed):
		return http.StatusInternalServerError
	case stderrors.Is(err, errors.ErrHasDependents):
		return http.StatusConflict
	case stderrors.Is(err, errors.ErrDanglingReference),
		stderrors.Is(err, errors.ErrStoryProjectMismatch):
		return http.StatusUnprocessableEntity
	case stderrors.Is(err, errors.ErrInvalidCredentials),
		stderrors.Is(err, errors.ErrTokenExpired),
		stderrors.Is(err, errors.ErrTokenInvalid),
		stderrors.Is(err, errors.ErrIssuerMismatch),
		stderrors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case stderrors.Is(err, errors.ErrForbidden):
		return http.StatusForbidden
	case stderrors.Is(err, errors.ErrNotFound),
		stderrors.Is(err, errors.ErrUserNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrInvalidTransition),
		stderrors.Is(err, errors.ErrInvalidAssignee),
		stderrors.Is(err, errors.ErrInconsistentState),
		stderrors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.IsValidation(err), stderrors.Is(err, errors.ErrInvalidGzipRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func errorBody(err error) (int, errorResponse) {
	status := statusFor(err)
	body := errorResponse{Error: err.Error(), Kind: errors.Kind(err)}
	if stderrors.Is(err, errors.ErrInvalidGzipRequest) {
		body.Kind = "ValidationError"
	}

	var dependents *errors.DependentsError
	if stderrors.As(err, &dependents) {
		body.IDs = dependents.IDs
	}
	var cascade *errors.CascadeError
	if stderrors.As(err, &cascade) {
		removed := cascade.Removed
		body.Removed = &removed
		body.IDs = []string{cascade.ProjectID}
	}

	if status == http.StatusInternalServerError && cascade == nil {
		log.Println("[ERROR] Внутренняя ошибка:", err)
		body.Error = errors.ErrInternalServer.Error()
	}
	return status, body
}

func respondError(ctx *gin.Context, err error) {
	status, body := errorBody(err)
	ctx.JSON(status, body)
}

func abortWithError(ctx *gin.Context, err error) {
	status, body := errorBody(err)
	ctx.AbortWithStatusJSON(status, body)
}

func validationErrorToErrorResponse(err error) error {
	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) {
		for _, verr := range verrs {
			switch verr.Field() {
			case "Login":
				return errors.ErrInvalidLogin
			case "Password":
				return errors.ErrInvalidPassword
			case "Status":
				return errors.ErrInvalidStatus
			case "Priority":
				return errors.ErrInvalidPriority
			case "Name":
				return errors.ErrInvalidName
			case "Description":
				return errors.ErrInvalidDescription
			case "EstimatedTime":
				return errors.ErrInvalidEstimatedTime
			case "StoryID", "ProjectID", "UserID", "RefreshToken":
				return errors.ErrInvalidReference
			}
		}
	}
	return errors.ErrValidationFailed
}

// bind decodes and validates a JSON body, answering 400 on failure.
func (api *TrackerAPI) bind(ctx *gin.Context, req any) bool {
	if err := ctx.ShouldBindJSON(req); err != nil {
		respondError(ctx, errors.ErrBadRequest)
		return false
	}
	if err := api.valid.Struct(req); err != nil {
		respondError(ctx, validationErrorToErrorResponse(err))
		return false
	}
	return true
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func subjectOf(ctx *gin.Context) string {
	if claims := claimsFrom(ctx); claims != nil {
		return claims.Subject
	}
	return ""
}

var _ Authenticator = (*auth.TokenService)(nil)
