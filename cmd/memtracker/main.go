package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"

	"worktracker/internal/auth"
	"worktracker/internal/integrity"
	"worktracker/internal/server"
	storage "worktracker/repository/inmemory"
)

func main() {
	log.Println("Демо-сервис учета задач (в памяти) запускается...")

	cfg := server.ReadConfig()
	cfg.Storage = server.StorageMemory
	if cfg.Jwt.Key == "" {
		cfg.Jwt.Key = ephemeralKey()
		log.Println("[WARN] JWT_KEY не задан, используется временный ключ; токены не переживут перезапуск")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	db := storage.NewStorage()
	users, err := auth.LoadUsers(cfg.UsersFile)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	if err := auth.SeedUsers(context.Background(), db, users); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	tokens, err := auth.NewTokenService(db, db, auth.Options{
		Key:        []byte(cfg.Jwt.Key),
		Issuer:     cfg.Jwt.Issuer,
		Audience:   cfg.Jwt.Audience,
		RefreshTTL: cfg.RefreshTTL,
	})
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	api := server.NewTrackerAPI(cfg, tokens, integrity.NewEngine(db, db), db)
	if api == nil {
		log.Fatal("[ERROR] Не удалось создать API")
	}

	log.Println("Сервер запущен на", cfg.ListenAddr())
	log.Fatal(api.Start())
}

func ephemeralKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("[ERROR] Не удалось сгенерировать ключ: %v", err)
	}
	return hex.EncodeToString(buf)
}
