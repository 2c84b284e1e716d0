package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"worktracker/internal/auth"
	"worktracker/internal/domain/models"
	"worktracker/internal/integrity"
	"worktracker/internal/server"
	db "worktracker/repository/db"
	inmemory "worktracker/repository/inmemory"
	"worktracker/repository/sqlite"
)

// Repository is everything one storage backend provides to the service.
type Repository interface {
	integrity.Store
	auth.CredentialStore
	auth.RefreshTokenStore
	auth.UserSeeder
	ListUsers(ctx context.Context) ([]models.User, error)
}

type apiServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

func main() {
	log.Println("Запуск сервиса учета задач...")

	cfg := server.ReadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	repo, closeRepo, err := InitializeRepositories(cfg)
	if err != nil {
		log.Fatalf("[ERROR] Не удалось открыть хранилище: %v", err)
	}
	defer closeRepo()

	if _, ok := repo.(*db.Storage); ok {
		if err := RunMigrations(cfg); err != nil {
			log.Fatalf("[ERROR] Ошибка применения миграций: %v", err)
		}
		log.Println("[SUCCESS] Миграции применены успешно")
	}

	api, err := BuildAPI(cfg, repo)
	if err != nil {
		log.Fatalf("[ERROR] Не удалось инициализировать API: %v", err)
	}

	sigChan, serverErr := StartServer(api, cfg)
	select {
	case sig := <-sigChan:
		if err := HandleShutdown(api, sig); err != nil {
			log.Printf("[ERROR] Ошибка при graceful shutdown: %v", err)
		}
	case err := <-serverErr:
		log.Printf("[ERROR] Ошибка сервера: %v", err)
	}

	log.Println("Сервис завершен")
}

// InitializeRepositories opens the configured backend. An unreachable
// PostgreSQL falls back to memory so the service still comes up.
func InitializeRepositories(cfg *server.Config) (Repository, func(), error) {
	switch cfg.Storage {
	case server.StorageMemory:
		log.Println("[INFO] Используется хранилище в памяти")
		return inmemory.NewStorage(), func() {}, nil
	case server.StorageSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Println("[SUCCESS] Открыта база sqlite:", cfg.SQLitePath)
		return store, func() { _ = store.Close() }, nil
	}

	dbStorage, err := db.NewStorage(cfg.DBStr)
	if err != nil {
		log.Println("[WARN] Не удалось подключиться к БД, используем память:", err)
		return inmemory.NewStorage(), func() {}, nil
	}
	return dbStorage, dbStorage.Close, nil
}

func RunMigrations(cfg *server.Config) error {
	return db.Migration(cfg.DBStr, cfg.MigratePath)
}

// BuildAPI seeds the credential store and wires the token service and the
// integrity engine into the HTTP surface.
func BuildAPI(cfg *server.Config, repo Repository) (*server.TrackerAPI, error) {
	users, err := auth.LoadUsers(cfg.UsersFile)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := auth.SeedUsers(ctx, repo, users); err != nil {
		return nil, err
	}

	tokens, err := auth.NewTokenService(repo, repo, auth.Options{
		Key:        []byte(cfg.Jwt.Key),
		Issuer:     cfg.Jwt.Issuer,
		Audience:   cfg.Jwt.Audience,
		RefreshTTL: cfg.RefreshTTL,
	})
	if err != nil {
		return nil, err
	}

	engine := integrity.NewEngine(repo, repo)
	api := server.NewTrackerAPI(cfg, tokens, engine, repo)
	if api == nil {
		return nil, fmt.Errorf("не удалось создать API")
	}
	return api, nil
}

func StartServer(api apiServer, cfg *server.Config) (chan os.Signal, chan error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Сервис запущен на %s", cfg.ListenAddr())
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	return sigChan, serverErr
}

func HandleShutdown(api apiServer, sig os.Signal) error {
	log.Printf("[INFO] Получен сигнал %v, начинаем graceful shutdown...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Println("[SUCCESS] Graceful shutdown выполнен успешно")
	return nil
}
