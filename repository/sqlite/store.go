// Package sqlite is a single-file backend for small deployments. It keeps the
// same foreign keys as the PostgreSQL schema, without cascading deletes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	domainerrors "worktracker/internal/domain/errors"
	"worktracker/internal/domain/models"
	"worktracker/internal/integrity"

	"github.com/mattn/go-sqlite3"
)

const (
	userColumns  = `id, login, password_hash, role, first_name, last_name`
	storyColumns = `id, project_id, name, description, priority, status, owner_id, created_at`
	taskColumns  = `id, project_id, story_id, name, description, priority, status, assigned_user_id, created_at, start_date, end_date, estimated_time`
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db   *sql.DB
	q    querier
	inTx bool
}

// Open creates the database file if needed and applies the schema.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("%w: пустой путь к базе sqlite", domainerrors.ErrConfiguration)
	}
	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=ON", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{db: conn, q: conn}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Println("[SUCCESS] База sqlite открыта:", dbPath)
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil || s.inTx {
		return nil
	}
	return s.db.Close()
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            login TEXT NOT NULL UNIQUE COLLATE NOCASE,
            password_hash TEXT NOT NULL,
            role TEXT NOT NULL CHECK (role IN ('admin', 'developer', 'devops')),
            first_name TEXT NOT NULL DEFAULT '',
            last_name TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS projects (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            description TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS stories (
            id TEXT PRIMARY KEY,
            project_id TEXT NOT NULL REFERENCES projects(id),
            name TEXT NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            priority TEXT NOT NULL CHECK (priority IN ('low', 'medium', 'high')),
            status TEXT NOT NULL CHECK (status IN ('todo', 'doing', 'done')),
            owner_id TEXT REFERENCES users(id),
            created_at DATETIME NOT NULL,
            UNIQUE (id, project_id)
        );`,
		`CREATE TABLE IF NOT EXISTS tasks (
            id TEXT PRIMARY KEY,
            project_id TEXT NOT NULL REFERENCES projects(id),
            story_id TEXT NOT NULL,
            name TEXT NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            priority TEXT NOT NULL CHECK (priority IN ('low', 'medium', 'high')),
            status TEXT NOT NULL CHECK (status IN ('todo', 'doing', 'done')),
            assigned_user_id TEXT REFERENCES users(id),
            created_at DATETIME NOT NULL,
            start_date DATETIME,
            end_date DATETIME,
            estimated_time REAL CHECK (estimated_time >= 0),
            FOREIGN KEY (story_id, project_id) REFERENCES stories(id, project_id),
            CHECK (status <> 'todo' OR (assigned_user_id IS NULL AND start_date IS NULL AND end_date IS NULL)),
            CHECK (status <> 'doing' OR (assigned_user_id IS NOT NULL AND start_date IS NOT NULL AND end_date IS NULL)),
            CHECK (status <> 'done' OR (assigned_user_id IS NOT NULL AND start_date IS NOT NULL AND end_date >= start_date))
        );`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
            token_hash TEXT PRIMARY KEY,
            user_id TEXT NOT NULL REFERENCES users(id),
            expires_at DATETIME NOT NULL,
            created_at DATETIME NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_stories_project ON stories(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_story ON tasks(story_id);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// WithinTx runs fn against a Store bound to one transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx integrity.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx, inTx: true}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Println("[ERROR] Не удалось откатить транзакцию:", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func mapWriteErr(err error, onFK error) error {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && sqErr.Code == sqlite3.ErrConstraint {
		switch sqErr.ExtendedCode {
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %v", onFK, err)
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", domainerrors.ErrConflict, err)
		case sqlite3.ErrConstraintCheck:
			return fmt.Errorf("%w: %v", domainerrors.ErrInconsistentState, err)
		}
	}
	return err
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (s *Store) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE login = ? COLLATE NOCASE`, login)
}

func (s *Store) getUser(ctx context.Context, query, arg string) (*models.User, error) {
	u := &models.User{}
	err := s.q.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Role, &u.FirstName, &u.LastName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY login`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Role, &u.FirstName, &u.LastName); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpsertUser(ctx context.Context, user *models.User) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET login = excluded.login, password_hash = excluded.password_hash,
			role = excluded.role, first_name = excluded.first_name, last_name = excluded.last_name`,
		user.ID, user.Login, user.PasswordHash, user.Role, user.FirstName, user.LastName)
	if err != nil {
		return mapWriteErr(err, domainerrors.ErrDanglingReference)
	}
	return nil
}

func (s *Store) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO refresh_tokens (token_hash, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		token.TokenHash, token.UserID, token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return mapWriteErr(err, domainerrors.ErrUserNotFound)
	}
	return nil
}

// ConsumeRefreshToken reads the row and then deletes it. Only the caller whose
// DELETE removes the row gets the token back.
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	t := &models.RefreshToken{}
	err := s.q.QueryRowContext(ctx, `SELECT token_hash, user_id, expires_at, created_at FROM refresh_tokens WHERE token_hash = ?`, tokenHash).
		Scan(&t.TokenHash, &t.UserID, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.ErrNotFound
		}
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO projects (id, name, description) VALUES (?, ?, ?)`, p.ID, p.Name, p.Description)
	if err != nil {
		return mapWriteErr(err, domainerrors.ErrDanglingReference)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p := &models.Project{}
	err := s.q.QueryRowContext(ctx, `SELECT id, name, description FROM projects WHERE id = ?`, id).Scan(&p.ID, &p.Name, &p.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.ErrNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, name, description FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []models.Project{}
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) UpdateProject(ctx context.Context, p *models.Project) error {
	res, err := s.q.ExecContext(ctx, `UPDATE projects SET name = ?, description = ? WHERE id = ?`, p.Name, p.Description, p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return mapWriteErr(err, domainerrors.ErrHasDependents)
	}
	return requireAffected(res)
}

func (s *Store) CreateStory(ctx context.Context, st *models.Story) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO stories (`+storyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.ProjectID, st.Name, st.Description, st.Priority, st.Status, st.OwnerID, st.CreatedAt)
	if err != nil {
		return mapWriteErr(err, domainerrors.ErrDanglingReference)
	}
	return nil
}

func (s *Store) GetStory(ctx context.Context, id string) (*models.Story, error) {
	st, err := scanStory(s.q.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.ErrNotFound
		}
		return nil, fmt.Errorf("get story: %w", err)
	}
	return st, nil
}

func (s *Store) ListStories(ctx context.Context, filter models.StoryFilter) ([]models.Story, error) {
	where, args := whereClause([]condition{
		{"project_id", filter.ProjectID},
		{"status", string(filter.Status)},
		{"owner_id", filter.OwnerID},
	})
	rows, err := s.q.QueryContext(ctx, `SELECT `+storyColumns+` FROM stories`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	stories := []models.Story{}
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		stories = append(stories, *st)
	}
	return stories, rows.Err()
}

func (s *Store) UpdateStory(ctx context.Context, st *models.Story) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE stories SET name = ?, description = ?, priority = ?, status = ?, owner_id = ?
		WHERE id = ? AND project_id = ?`,
		st.Name, st.Description, st.Priority, st.Status, st.OwnerID, st.ID, st.ProjectID)
	if err != nil {
		return mapWriteErr(err, domainerrors.ErrDanglingReference)
	}
	return requireAffected(res)
}

func (s *Store) DeleteStories(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := inList(ids)
	if _, err := s.q.ExecContext(ctx, `DELETE FROM stories WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return mapWriteErr(err, domainerrors.ErrHasDependents)
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.StoryID, t.Name, t.Description, t.Priority, t.Status,
		t.AssignedUserID, t.CreatedAt, t.StartDate, t.EndDate, t.EstimatedTime)
	if err != nil {
		return mapWriteErr(err, domainerrors.ErrDanglingReference)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	where, args := whereClause([]condition{
		{"project_id", filter.ProjectID},
		{"story_id", filter.StoryID},
		{"status", string(filter.Status)},
		{"assigned_user_id", filter.AssignedUserID},
	})
	rows, err := s.q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, t *models.Task, expected models.Status) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks SET story_id = ?, name = ?, description = ?, priority = ?, status = ?,
			assigned_user_id = ?, start_date = ?, end_date = ?, estimated_time = ?
		WHERE id = ? AND status = ?`,
		t.StoryID, t.Name, t.Description, t.Priority, t.Status,
		t.AssignedUserID, t.StartDate, t.EndDate, t.EstimatedTime, t.ID, expected)
	if err != nil {
		return mapWriteErr(err, domainerrors.ErrDanglingReference)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?`, t.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check task: %w", err)
	}
	if exists == 0 {
		return domainerrors.ErrNotFound
	}
	return fmt.Errorf("%w: задача %s уже не в статусе %s", domainerrors.ErrConflict, t.ID, expected)
}

func (s *Store) DeleteTasks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := inList(ids)
	if _, err := s.q.ExecContext(ctx, `DELETE FROM tasks WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domainerrors.ErrNotFound
	}
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
		parts = append(parts, c.column+" = ?")
		args = append(args, c.value)
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func inList(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStory(row scanner) (*models.Story, error) {
	st := &models.Story{}
	if err := row.Scan(&st.ID, &st.ProjectID, &st.Name, &st.Description, &st.Priority, &st.Status, &st.OwnerID, &st.CreatedAt); err != nil {
		return nil, err
	}
	st.CreatedAt = st.CreatedAt.UTC()
	return st, nil
}

func scanTask(row scanner) (*models.Task, error) {
	t := &models.Task{}
	if err := row.Scan(&t.ID, &t.ProjectID, &t.StoryID, &t.Name, &t.Description, &t.Priority, &t.Status,
		&t.AssignedUserID, &t.CreatedAt, &t.StartDate, &t.EndDate, &t.EstimatedTime); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.StartDate = utcPtr(t.StartDate)
	t.EndDate = utcPtr(t.EndDate)
	return t, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
