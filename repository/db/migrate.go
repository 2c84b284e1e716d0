package db

import (
	"errors"
	"fmt"
	"log"

	domainerrors "worktracker/internal/domain/errors"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migration applies every pending migration from migratePath to the database.
func Migration(dbDSN, migratePath string) error {
	if dbDSN == "" {
		return fmt.Errorf("%w: пустая строка подключения", domainerrors.ErrConfiguration)
	}
	if migratePath == "" {
		return fmt.Errorf("%w: не указан путь к миграциям", domainerrors.ErrConfiguration)
	}

	m, err := migrate.New("file://"+migratePath, dbDSN)
	if err != nil {
		log.Println("[ERROR] Не удалось инициализировать миграции:", err)
		return err
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.Println("[WARN] Ошибка при закрытии мигратора:", srcErr, dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Println("[ERROR] Ошибка применения миграций:", err)
		return err
	}
	return nil
}
