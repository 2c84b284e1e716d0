package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUserNotFound       = errors.New("пользователь не найден")
	ErrInvalidCredentials = errors.New("неверные учетные данные")
	ErrInvalidInput       = errors.New("некорректные входные данные")
	ErrDatabaseConnection = errors.New("ошибка соединения с базой данных")
	ErrValidationFailed   = errors.New("ошибка валидации")
	ErrUnauthorized       = errors.New("нет доступа")
	ErrForbidden          = errors.New("доступ запрещён")
	ErrInternalServer     = errors.New("внутренняя ошибка сервера")
	ErrBadRequest         = errors.New("неверный запрос")
	ErrNotFound           = errors.New("ресурс не найден")
	ErrConflict           = errors.New("конфликт ресурса")

	ErrTokenExpired   = errors.New("срок действия токена истёк")
	ErrTokenInvalid   = errors.New("недействительный токен")
	ErrIssuerMismatch = errors.New("токен выпущен для другого издателя или получателя")
	ErrConfiguration  = errors.New("некорректная конфигурация")

	ErrInvalidTransition = errors.New("недопустимый переход статуса задачи")
	ErrInvalidAssignee   = errors.New("пользователь не может быть назначен на задачу")
	ErrInconsistentState = errors.New("несогласованное состояние задачи")

	ErrHasDependents        = errors.New("у ресурса есть зависимые объекты")
	ErrCascadeDeleteFailed  = errors.New("каскадное удаление прервано")
	ErrDanglingReference    = errors.New("ссылка на несуществующий объект")
	ErrStoryProjectMismatch = errors.New("история принадлежит другому проекту")
	ErrMachineOwnedField    = errors.New("поле изменяется только переходами статуса")

	ErrInvalidLogin         = errors.New("некорректный логин")
	ErrInvalidPassword      = errors.New("некорректный пароль")
	ErrInvalidRole          = errors.New("недопустимая роль пользователя")
	ErrInvalidStatus        = errors.New("недопустимый статус")
	ErrInvalidPriority      = errors.New("недопустимый приоритет")
	ErrInvalidName          = errors.New("некорректное название")
	ErrInvalidDescription   = errors.New("некорректное описание")
	ErrInvalidEstimatedTime = errors.New("некорректная оценка времени")
	ErrInvalidReference     = errors.New("некорректный идентификатор")

	ErrConfigFileReadFailed = errors.New("не удалось прочитать файл конфигурации")
	ErrConfigParseFailed    = errors.New("не удалось разобрать файл конфигурации")
	ErrConfigInvalidFormat  = errors.New("некорректный формат значения")

	ErrInvalidGzipRequest    = errors.New("некорректное gzip-тело запроса")
	ErrGzipCompressionFailed = errors.New("ошибка gzip-сжатия ответа")
)

// DependentsError blocks a delete and names the dependents that hold it.
type DependentsError struct {
	Resource string
	IDs      []string
}

func (e *DependentsError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrHasDependents.Error(), e.Resource, strings.Join(e.IDs, ", "))
}

func (e *DependentsError) Unwrap() error { return ErrHasDependents }

// Removed lists what a cascade managed to delete before it stopped.
type Removed struct {
	TaskIDs  []string `json:"taskIds"`
	StoryIDs []string `json:"storyIds"`
	Project  bool     `json:"project"`
}

// CascadeError reports a cascade that stopped midway. Removed is empty when
// the store rolled the whole cascade back.
type CascadeError struct {
	ProjectID  string
	Removed    Removed
	RolledBack bool
	Err        error
}

func (e *CascadeError) Error() string {
	return fmt.Sprintf("%s (проект %s, удалено задач: %d, историй: %d): %v",
		ErrCascadeDeleteFailed.Error(), e.ProjectID, len(e.Removed.TaskIDs), len(e.Removed.StoryIDs), e.Err)
}

func (e *CascadeError) Unwrap() []error { return []error{ErrCascadeDeleteFailed, e.Err} }

var kinds = []struct {
	err  error
	kind string
}{
	{ErrCascadeDeleteFailed, "CascadeDeleteFailed"},
	{ErrHasDependents, "HasDependents"},
	{ErrDanglingReference, "DanglingReference"},
	{ErrStoryProjectMismatch, "StoryProjectMismatch"},
	{ErrInvalidCredentials, "InvalidCredentials"},
	{ErrTokenExpired, "TokenExpired"},
	{ErrTokenInvalid, "TokenInvalid"},
	{ErrIssuerMismatch, "IssuerMismatch"},
	{ErrConfiguration, "ConfigurationError"},
	{ErrInvalidTransition, "InvalidTransition"},
	{ErrInvalidAssignee, "InvalidAssignee"},
	{ErrInconsistentState, "InconsistentState"},
	{ErrConflict, "Conflict"},
	{ErrUserNotFound, "NotFound"},
	{ErrNotFound, "NotFound"},
	{ErrUnauthorized, "Unauthorized"},
}

// Kind names the taxonomy bucket of err for API responses.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if IsValidation(err) {
		return "ValidationError"
	}
	return "InternalError"
}

var validationErrors = []error{
	ErrValidationFailed, ErrInvalidInput, ErrBadRequest, ErrStoryProjectMismatch, ErrMachineOwnedField,
	ErrInvalidLogin, ErrInvalidPassword, ErrInvalidRole, ErrInvalidStatus, ErrInvalidPriority,
	ErrInvalidName, ErrInvalidDescription, ErrInvalidEstimatedTime, ErrInvalidReference,
}

// IsValidation reports whether err stems from malformed input.
func IsValidation(err error) bool {
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}
