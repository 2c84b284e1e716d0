package server

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"worktracker/internal/auth"
	"worktracker/internal/domain/errors"
)

const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
	StorageMemory   = "memory"
)

type JWTConfig struct {
	Key      string
	Issuer   string
	Audience string
}

type Config struct {
	Addr           string
	Port           int
	DBStr          string
	MigratePath    string
	Storage        string
	SQLitePath     string
	UsersFile      string
	AllowedOrigins []string
	RefreshTTL     time.Duration
	Jwt            JWTConfig
}

const (
	defaultAddr        = "0.0.0.0"
	defaultPort        = 8080
	defaultDBStr       = "postgresql://shouldbeinVaultuser:shouldbeinVaultpassword@db:5432/tracker?sslmode=disable"
	defaultMigratePath = "migrations"
	defaultStorage     = StoragePostgres
	defaultSQLitePath  = "data/tracker.db"
	defaultUsersFile   = "users.yaml"
	defaultIssuer      = "worktracker-auth"
	defaultAudience    = "worktracker-api"
)

// DefaultConfig has everything except the signing key, which has no default.
var DefaultConfig = Config{
	Addr:           defaultAddr,
	Port:           defaultPort,
	DBStr:          defaultDBStr,
	MigratePath:    defaultMigratePath,
	Storage:        defaultStorage,
	SQLitePath:     defaultSQLitePath,
	UsersFile:      defaultUsersFile,
	AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
	RefreshTTL:     auth.DefaultRefreshTTL,
	Jwt: JWTConfig{
		Issuer:   defaultIssuer,
		Audience: defaultAudience,
	},
}

var (
	addr        = flag.String("addr", defaultAddr, "адрес сервера (по умолчанию 0.0.0.0)")
	port        = flag.Int("port", defaultPort, "порт сервера (по умолчанию 8080)")
	dbstr       = flag.String("dbstr", defaultDBStr, "строка подключения к БД (по умолчанию стандартная)")
	dbDsn       = flag.String("dbdsn", "", "DSN для подключения к базе данных (приоритетнее dbstr)")
	migratePath = flag.String("migratepath", defaultMigratePath, "путь к папке с миграциями")
	storage     = flag.String("storage", defaultStorage, "хранилище: postgres, sqlite или memory")
	sqlitePath  = flag.String("sqlite", defaultSQLitePath, "путь к файлу sqlite")
	usersFile   = flag.String("users", defaultUsersFile, "YAML-файл с пользователями")
	configFile  = flag.String("c", "", "путь к файлу конфигурации JSON")
	parsed      = false
)

func ReadConfig() *Config {
	if !parsed {
		flag.Parse()
		parsed = true
	}

	cfg := DefaultConfig
	if jsonConfig := loadJSONConfig(); jsonConfig != nil {
		cfg = *jsonConfig
	}

	applyEnvOverrides(&cfg)
	applyFlagOverrides(&cfg)

	return &cfg
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if len(c.Jwt.Key) < auth.MinKeyLength {
		return fmt.Errorf("%w: Jwt.Key должен быть не короче %d байт", errors.ErrConfiguration, auth.MinKeyLength)
	}
	if c.Jwt.Issuer == "" || c.Jwt.Audience == "" {
		return fmt.Errorf("%w: Jwt.Issuer и Jwt.Audience обязательны", errors.ErrConfiguration)
	}
	switch c.Storage {
	case StoragePostgres, StorageSQLite, StorageMemory:
	default:
		return fmt.Errorf("%w: неизвестное хранилище %q", errors.ErrConfiguration, c.Storage)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: порт должен быть от 1 до 65535: %d", errors.ErrConfiguration, c.Port)
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Addr, c.Port)
}

func loadJSONConfig() *Config {
	configPath := *configFile
	if configPath == "" {
		configPath = os.Getenv("CONFIG")
	}

	if configPath == "" {
		fmt.Printf("JSON конфигурация: не указан путь к файлу\n")
		return nil
	}

	fmt.Printf("Загрузка JSON конфигурации из: %s\n", configPath)
	cfg, err := parseJSONConfig(configPath)
	if err != nil {
		fmt.Printf("Warning: %v\n", err)
		return nil
	}

	fmt.Printf("JSON конфигурация успешно загружена из: %s\n", configPath)
	return cfg
}

// parseJSONConfig overlays the file on top of DefaultConfig, so a file may
// set only the keys it cares about.
func parseJSONConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v", errors.ErrConfigFileReadFailed.Error(), path, err)
	}

	cfg := DefaultConfig
	var raw struct {
		Config
		RefreshTTL string
	}
	raw.Config = cfg
	raw.RefreshTTL = ""
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: %v", errors.ErrConfigParseFailed.Error(), err)
	}
	cfg = raw.Config
	cfg.RefreshTTL = DefaultConfig.RefreshTTL
	if raw.RefreshTTL != "" {
		ttl, err := time.ParseDuration(raw.RefreshTTL)
		if err != nil {
			return nil, fmt.Errorf("%s RefreshTTL: %v", errors.ErrConfigInvalidFormat.Error(), err)
		}
		cfg.RefreshTTL = ttl
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err != nil {
			fmt.Printf("Warning: %s в переменной окружения PORT: %s\n", errors.ErrConfigInvalidFormat.Error(), port)
		} else if p < 1 || p > 65535 {
			fmt.Printf("Warning: %s - порт должен быть от 1 до 65535: %d\n", errors.ErrConfigInvalidFormat.Error(), p)
		} else {
			cfg.Port = p
		}
	}
	if dbStr := os.Getenv("DB_STR"); dbStr != "" {
		cfg.DBStr = dbStr
	}
	if migratePath := os.Getenv("MIGRATE_PATH"); migratePath != "" {
		cfg.MigratePath = migratePath
	}
	if storage := os.Getenv("STORAGE"); storage != "" {
		cfg.Storage = strings.ToLower(storage)
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.SQLitePath = path
	}
	if path := os.Getenv("USERS_FILE"); path != "" {
		cfg.UsersFile = path
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	if ttl := os.Getenv("REFRESH_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err != nil {
			fmt.Printf("Warning: %s в переменной окружения REFRESH_TTL: %s\n", errors.ErrConfigInvalidFormat.Error(), ttl)
		} else {
			cfg.RefreshTTL = d
		}
	}
	if key := os.Getenv("JWT_KEY"); key != "" {
		cfg.Jwt.Key = key
	}
	if issuer := os.Getenv("JWT_ISSUER"); issuer != "" {
		cfg.Jwt.Issuer = issuer
	}
	if audience := os.Getenv("JWT_AUDIENCE"); audience != "" {
		cfg.Jwt.Audience = audience
	}

	if cfg.DBStr == defaultDBStr {
		dbUser := os.Getenv("DB_USER")
		dbPassword := os.Getenv("DB_PASSWORD")
		dbName := os.Getenv("DB_NAME")
		dbHost := os.Getenv("DB_HOST")
		dbPort := os.Getenv("DB_PORT")
		if dbUser != "" && dbPassword != "" && dbName != "" && dbHost != "" && dbPort != "" {
			cfg.DBStr = fmt.Sprintf("postgresql://%s:%s@%s:%s/%s?sslmode=disable", dbUser, dbPassword, dbHost, dbPort, dbName)
		}
	}
}

// applyFlagOverrides applies only the flags given on the command line, so
// flag defaults never mask values from the file or the environment.
func applyFlagOverrides(cfg *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "port":
			cfg.Port = *port
		case "dbstr":
			if *dbDsn == "" {
				cfg.DBStr = *dbstr
			}
		case "dbdsn":
			cfg.DBStr = *dbDsn
		case "migratepath":
			cfg.MigratePath = *migratePath
		case "storage":
			cfg.Storage = strings.ToLower(*storage)
		case "sqlite":
			cfg.SQLitePath = *sqlitePath
		case "users":
			cfg.UsersFile = *usersFile
		}
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
