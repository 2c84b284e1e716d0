package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	domainerrors "worktracker/internal/domain/errors"
	"worktracker/internal/domain/models"
	"worktracker/internal/integrity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	opTimeout    = 15 * time.Second
	retryBackoff = 50 * time.Millisecond
	maxAttempts  = 3

	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
	pgCheckViolation      = "23514"
)

const (
	userColumns  = `id, login, password_hash, role, first_name, last_name`
	storyColumns = `id, project_id, name, description, priority, status, owner_id, created_at`
	taskColumns  = `id, project_id, story_id, name, description, priority, status, assigned_user_id, created_at, start_date, end_date, estimated_time`
)

// querier is the part of pgxpool.Pool and pgx.Tx the storage needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Storage struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

func NewStorage(connStr string) (*Storage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Println("[ERROR] Не удалось подключиться к базе данных:", err)
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		log.Println("[ERROR] База данных недоступна:", err)
		return nil, err
	}
	log.Println("[SUCCESS] Соединение с базой данных установлено успешно")
	return &Storage{pool: pool, q: pool}, nil
}

func (s *Storage) Close() {
	if s.pool != nil && !s.inTx {
		s.pool.Close()
	}
}

// WithinTx runs fn against a Storage bound to one transaction.
func (s *Storage) WithinTx(ctx context.Context, fn func(tx integrity.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(&Storage{pool: s.pool, q: tx, inTx: true}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			log.Println("[ERROR] Не удалось откатить транзакцию:", rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// retry repeats idempotent reads and deletes after transient failures.
// Inside a transaction a failed statement aborts the transaction, so there
// is nothing to retry.
func (s *Storage) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c, cancel := context.WithTimeout(ctx, opTimeout)
		err = fn(c)
		cancel()
		if err == nil || s.inTx || !pgconn.SafeToRetry(err) || ctx.Err() != nil {
			return err
		}
		log.Printf("[WARN] %s: попытка %d не удалась: %v", op, attempt, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return err
}

func (s *Storage) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.q.Exec(c, sql, args...)
}

// mapWriteErr translates constraint violations into domain errors. onFK is
// what a foreign key violation means for the statement at hand.
func mapWriteErr(err error, onFK error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", onFK, pgErr.ConstraintName)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", domainerrors.ErrConflict, pgErr.ConstraintName)
		case pgCheckViolation:
			return fmt.Errorf("%w: %s", domainerrors.ErrInconsistentState, pgErr.ConstraintName)
		}
	}
	return err
}

func (s *Storage) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (s *Storage) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE lower(login) = lower($1)`, login)
}

func (s *Storage) getUser(ctx context.Context, sql string, arg string) (*models.User, error) {
	user := &models.User{}
	err := s.retry(ctx, "получение пользователя", func(c context.Context) error {
		return s.q.QueryRow(c, sql, arg).Scan(&user.ID, &user.Login, &user.PasswordHash, &user.Role, &user.FirstName, &user.LastName)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainerrors.ErrUserNotFound
		}
		log.Println("[ERROR] Ошибка при получении пользователя:", err)
		return nil, err
	}
	return user, nil
}

func (s *Storage) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.retry(ctx, "список пользователей", func(c context.Context) error {
		rows, err := s.q.Query(c, `SELECT `+userColumns+` FROM users ORDER BY login`)
		if err != nil {
			return err
		}
		defer rows.Close()
		users = []models.User{}
		for rows.Next() {
			var u models.User
			if err := rows.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Role, &u.FirstName, &u.LastName); err != nil {
				return err
			}
			users = append(users, u)
		}
		return rows.Err()
	})
	if err != nil {
		log.Println("[ERROR] Не удалось получить пользователей:", err)
		return nil, err
	}
	return users, nil
}

func (s *Storage) UpsertUser(ctx context.Context, user *models.User) error {
	_, err := s.exec(ctx, `
		INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET login = EXCLUDED.login, password_hash = EXCLUDED.password_hash,
			role = EXCLUDED.role, first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name`,
		user.ID, user.Login, user.PasswordHash, user.Role, user.FirstName, user.LastName)
	if err != nil {
		log.Println("[ERROR] Не удалось сохранить пользователя:", err)
		return mapWriteErr(err, domainerrors.ErrDanglingReference)
	}
	return nil
}

func (s *Storage) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	_, err := s.exec(ctx, `INSERT INTO refresh_tokens (token_hash, user_id, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		token.TokenHash, token.UserID, token.ExpiresAt, token.CreatedAt)
	if err != nil {
		log.Println("[ERROR] Не удалось сохранить refresh-токен:", err)
		return mapWriteErr(err, domainerrors.ErrUserNotFound)
	}
	return nil
}

func (s *Storage) ConsumeRefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	c, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	token := &models.RefreshToken{}
	err := s.q.QueryRow(c, `DELETE FROM refresh_tokens WHERE token_hash = $1 RETURNING token_hash, user_id, expires_at, created_at`, tokenHash).
		Scan(&token.TokenHash, &token.UserID, &token.ExpiresAt, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainerrors.ErrNotFound
		}
		log.Println("[ERROR] Не удалось погасить refresh-токен:", err)
		return nil, err
	}
	token.ExpiresAt = token.ExpiresAt.UTC()
	token.CreatedAt = token.CreatedAt.UTC()
	return token, nil
}

func (s *Storage) CreateProject(ctx context.Context, project *models.Project) error {
	_, err := s.exec(ctx, `INSERT INTO projects (id, name, description) VALUES ($1, $2, $3)`,
		project.ID, project.Name, project.Description)
	if err != nil {
		log.Println("[ERROR] Не удалось создать проект:", err)
		return mapWriteErr(err, domainerrors.ErrDanglingReference)
	}
	log.Println("[SUCCESS] Проект успешно создан:", project.ID)
	return nil
}

func (s *Storage) GetProject(ctx context.Context, id string) (*models.Project, error) {
	project := &models.Project{}
	err := s.retry(ctx, "получение проекта", func(c context.Context) error {
		return s.q.QueryRow(c, `SELECT id, name, description FROM projects WHERE id = $1`, id).
			Scan(&project.ID, &project.Name, &project.Description)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainerrors.ErrNotFound
		}
		log.Println("[ERROR] Ошибка при получении проекта:", err)
		return nil, err
	}
	return project, nil
}

func (s *Storage) ListProjects(ctx context.Context) ([]models.Project, error) {
	var projects []models.Project
	err := s.retry(ctx, "список проектов", func(c context.Context) error {
		rows, err := s.q.Query(c, `SELECT id, name, description FROM projects ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		projects = []models.Project{}
		for rows.Next() {
			var p models.Project
			if err := rows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
				return err
			}
			projects = append(projects, p)
		}
		return rows.Err()
	})
	if err != nil {
		log.Println("[ERROR] Не удалось получить проекты:", err)
		return nil, err
	}
	return projects, nil
}

func (s *Storage) UpdateProject(ctx context.Context, project *models.Project) error {
	ct, err := s.exec(ctx, `UPDATE projects SET name = $1, description = $2 WHERE id = $3`,
		project.Name, project.Description, project.ID)
	if err != nil {
		log.Println("[ERROR] Не удалось обновить проект:", err)
		return err
	}
	if ct.RowsAffected() == 0 {
		return domainerrors.ErrNotFound
	}
	return nil
}

func (s *Storage) DeleteProject(ctx context.Context, id string) error {
	var ct pgconn.CommandTag
	err := s.retry(ctx, "удаление проекта", func(c context.Context) error {
		var err error
		ct, err = s.q.Exec(c, `DELETE FROM projects WHERE id = $1`, id)
		return err
	})
	if err != nil {
		log.Println("[ERROR] Не удалось удалить проект:", err)
		return mapWriteErr(err, domainerrors.ErrHasDependents)
	}
	if ct.RowsAffected() == 0 {
		return domainerrors.ErrNotFound
	}
	log.Println("[SUCCESS] Проект удалён:", id)
	return nil
}

func (s *Storage) CreateStory(ctx context.Context, story *models.Story) error {
	_, err := s.exec(ctx, `INSERT INTO stories (`+storyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		story.ID, story.ProjectID, story.Name, story.Description, story.Priority, story.Status, story.OwnerID, story.CreatedAt)
	if err != nil {
		log.Println("[ERROR] Не удалось создать историю:", err)
		return mapWriteErr(err, domainerrors.ErrDanglingReference)
	}
	log.Println("[SUCCESS] История успешно создана:", story.ID)
	return nil
}

func (s *Storage) GetStory(ctx context.Context, id string) (*models.Story, error) {
	var story *models.Story
	err := s.retry(ctx, "получение истории", func(c context.Context) error {
		var err error
		story, err = scanStory(s.q.QueryRow(c, `SELECT `+storyColumns+` FROM stories WHERE id = $1`, id))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainerrors.ErrNotFound
		}
		log.Println("[ERROR] Ошибка при получении истории:", err)
		return nil, err
	}
	return story, nil
}

func (s *Storage) ListStories(ctx context.Context, filter models.StoryFilter) ([]models.Story, error) {
	where, args := whereClause([]condition{
		{"project_id", filter.ProjectID},
		{"status", string(filter.Status)},
		{"owner_id", filter.OwnerID},
	})
	var stories []models.Story
	err := s.retry(ctx, "список историй", func(c context.Context) error {
		rows, err := s.q.Query(c, `SELECT `+storyColumns+` FROM stories`+where+` ORDER BY created_at, id`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		stories = []models.Story{}
		for rows.Next() {
			story, err := scanStory(rows)
			if err != nil {
				return err
			}
			stories = append(stories, *story)
		}
		return rows.Err()
	})
	if err != nil {
		log.Println("[ERROR] Не удалось получить истории:", err)
		return nil, err
	}
	return stories, nil
}

func (s *Storage) UpdateStory(ctx context.Context, story *models.Story) error {
	ct, err := s.exec(ctx, `
		UPDATE stories SET name = $1, description = $2, priority = $3, status = $4, owner_id = $5
		WHERE id = $6 AND project_id = $7`,
		story.Name, story.Description, story.Priority, story.Status, story.OwnerID, story.ID, story.ProjectID)
	if err != nil {
		log.Println("[ERROR] Не удалось обновить историю:", err)
		return mapWriteErr(err, domainerrors.ErrDanglingReference)
	}
	if ct.RowsAffected() == 0 {
		return domainerrors.ErrNotFound
	}
	return nil
}

func (s *Storage) DeleteStories(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	var ct pgconn.CommandTag
	err := s.retry(ctx, "удаление историй", func(c context.Context) error {
		var err error
		ct, err = s.q.Exec(c, `DELETE FROM stories WHERE id = ANY($1)`, ids)
		return err
	})
	if err != nil {
		log.Println("[ERROR] Не удалось удалить истории:", err)
		return mapWriteErr(err, domainerrors.ErrHasDependents)
	}
	log.Println("[SUCCESS] Удалено историй:", ct.RowsAffected())
	return nil
}

func (s *Storage) CreateTask(ctx context.Context, task *models.Task) error {
	_, err := s.exec(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		task.ID, task.ProjectID, task.StoryID, task.Name, task.Description, task.Priority, task.Status,
		task.AssignedUserID, task.CreatedAt, task.StartDate, task.EndDate, task.EstimatedTime)
	if err != nil {
		log.Println("[ERROR] Не удалось создать задачу:", err)
		return mapWriteErr(err, domainerrors.ErrDanglingReference)
	}
	log.Println("[SUCCESS] Задача успешно создана:", task.ID)
	return nil
}

func (s *Storage) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task *models.Task
	err := s.retry(ctx, "получение задачи", func(c context.Context) error {
		var err error
		task, err = scanTask(s.q.QueryRow(c, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainerrors.ErrNotFound
		}
		log.Println("[ERROR] Ошибка при получении задачи:", err)
		return nil, err
	}
	return task, nil
}

func (s *Storage) ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	where, args := whereClause([]condition{
		{"project_id", filter.ProjectID},
		{"story_id", filter.StoryID},
		{"status", string(filter.Status)},
		{"assigned_user_id", filter.AssignedUserID},
	})
	var tasks []models.Task
	err := s.retry(ctx, "список задач", func(c context.Context) error {
		rows, err := s.q.Query(c, `SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY created_at, id`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		tasks = []models.Task{}
		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, *task)
		}
		return rows.Err()
	})
	if err != nil {
		log.Println("[ERROR] Не удалось получить задачи:", err)
		return nil, err
	}
	return tasks, nil
}

// UpdateTask is a compare-and-swap on status. It is never retried.
func (s *Storage) UpdateTask(ctx context.Context, task *models.Task, expected models.Status) error {
	ct, err := s.exec(ctx, `
		UPDATE tasks SET story_id = $1, name = $2, description = $3, priority = $4, status = $5,
			assigned_user_id = $6, start_date = $7, end_date = $8, estimated_time = $9
		WHERE id = $10 AND status = $11`,
		task.StoryID, task.Name, task.Description, task.Priority, task.Status,
		task.AssignedUserID, task.StartDate, task.EndDate, task.EstimatedTime, task.ID, expected)
	if err != nil {
		log.Println("[ERROR] Не удалось обновить задачу:", err)
		return mapWriteErr(err, domainerrors.ErrDanglingReference)
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, task.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domainerrors.ErrNotFound
		}
		log.Println("[WARN] Статус задачи изменился параллельно:", task.ID)
		return fmt.Errorf("%w: задача %s уже не в статусе %s", domainerrors.ErrConflict, task.ID, expected)
	}
	return nil
}

func (s *Storage) DeleteTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	var ct pgconn.CommandTag
	err := s.retry(ctx, "удаление задач", func(c context.Context) error {
		var err error
		ct, err = s.q.Exec(c, `DELETE FROM tasks WHERE id = ANY($1)`, ids)
		return err
	})
	if err != nil {
		log.Println("[ERROR] Не удалось удалить задачи:", err)
		return err
	}
	log.Println("[SUCCESS] Удалено задач:", ct.RowsAffected())
	return nil
}

type condition struct {
	column string
	value  string
}

func whereClause(conds []condition) (string, []any) {
	var parts []string
	var args []any
	for _, c := range conds {
		if c.value == "" {
			continue
		}
		args = append(args, c.value)
		parts = append(parts, fmt.Sprintf("%s = $%d", c.column, len(args)))
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func scanStory(row pgx.Row) (*models.Story, error) {
	st := &models.Story{}
	if err := row.Scan(&st.ID, &st.ProjectID, &st.Name, &st.Description, &st.Priority, &st.Status, &st.OwnerID, &st.CreatedAt); err != nil {
		return nil, err
	}
	st.CreatedAt = st.CreatedAt.UTC()
	return st, nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	t := &models.Task{}
	if err := row.Scan(&t.ID, &t.ProjectID, &t.StoryID, &t.Name, &t.Description, &t.Priority, &t.Status,
		&t.AssignedUserID, &t.CreatedAt, &t.StartDate, &t.EndDate, &t.EstimatedTime); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if t.StartDate != nil {
		start := t.StartDate.UTC()
		t.StartDate = &start
	}
	if t.EndDate != nil {
		end := t.EndDate.UTC()
		t.EndDate = &end
	}
	return t, nil
}
