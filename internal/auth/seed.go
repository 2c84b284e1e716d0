package auth

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	domainerrors "worktracker/internal/domain/errors"
	"worktracker/internal/domain/models"

	"github.com/go-playground/validator"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// UserSeeder is the write side of the credential store, used only at startup.
type UserSeeder interface {
	UpsertUser(ctx context.Context, user *models.User) error
}

type seedUser struct {
	models.User `yaml:",inline"`
	Password    string `yaml:"password"`
}

type seedFile struct {
	Users []seedUser `yaml:"users"`
}

// ParseUsers decodes a YAML user list. Entries may carry a bcrypt
// passwordHash or a plaintext password, which is hashed here.
func ParseUsers(data []byte, cost int) ([]models.User, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: пустой файл пользователей", domainerrors.ErrConfiguration)
	}
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", domainerrors.ErrConfigParseFailed, err)
	}

	valid := validator.New()
	seen := make(map[string]bool, len(file.Users))
	seenLogins := make(map[string]bool, len(file.Users))
	users := make([]models.User, 0, len(file.Users))
	for i, entry := range file.Users {
		user := entry.User
		if user.PasswordHash == "" && entry.Password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(entry.Password), cost)
			if err != nil {
				return nil, fmt.Errorf("пользователь %d: %w", i, err)
			}
			user.PasswordHash = string(hash)
		}
		if err := valid.Struct(user); err != nil {
			return nil, fmt.Errorf("%w: пользователь %d (%s): %v", domainerrors.ErrValidationFailed, i, user.Login, err)
		}
		if seen[user.ID] {
			return nil, fmt.Errorf("%w: повторный id %s", domainerrors.ErrConflict, user.ID)
		}
		login := strings.ToLower(user.Login)
		if seenLogins[login] {
			return nil, fmt.Errorf("%w: повторный логин %s", domainerrors.ErrConflict, user.Login)
		}
		seen[user.ID] = true
		seenLogins[login] = true
		users = append(users, user)
	}
	return users, nil
}

func LoadUsers(path string) ([]models.User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", domainerrors.ErrConfigFileReadFailed, path, err)
	}
	return ParseUsers(data, bcrypt.DefaultCost)
}

func SeedUsers(ctx context.Context, store UserSeeder, users []models.User) error {
	for i := range users {
		if err := store.UpsertUser(ctx, &users[i]); err != nil {
			return fmt.Errorf("запись пользователя %s: %w", users[i].Login, err)
		}
	}
	log.Println("[SUCCESS] Загружено пользователей:", len(users))
	return nil
}
