package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ButyrinIA/storyfeed/internal/config"
	"github.com/ButyrinIA/storyfeed/internal/media"
	"github.com/ButyrinIA/storyfeed/internal/server"
	"github.com/ButyrinIA/storyfeed/internal/session"
	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/ButyrinIA/storyfeed/internal/storage/memory"
	"github.com/ButyrinIA/storyfeed/internal/storage/mongodb"
	"github.com/ButyrinIA/storyfeed/internal/storage/postgres"
	log "github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		log.Fatal(err)
	}
	log.Info("Сервер остановлен")
}

// run поднимает сервер и блокируется до отмены ctx
func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := flags.String("config", "config.yaml", "путь к файлу конфигурации")
	storageType := flags.String("storage", "", "тип хранилища: memory, postgres или mongo")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}
	if *storageType != "" {
		cfg.Storage.Driver = *storageType
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("неверная конфигурация: %w", err)
	}
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("Неизвестный уровень логирования %q, используется info", cfg.Log.Level)
	}

	store, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("не удалось инициализировать хранилище %s: %w", cfg.Storage.Driver, err)
	}
	defer store.Close()

	files, err := media.NewFileStore(cfg.Media.Root, cfg.Media.BaseURL)
	if err != nil {
		return fmt.Errorf("не удалось подготовить каталог медиа: %w", err)
	}

	sessions := session.NewManager(store, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	for _, email := range cfg.Auth.Admins {
		sessions.Admins[strings.ToLower(strings.TrimSpace(email))] = true
	}

	srv := server.New(cfg, store, sessions, files)
	log.WithField("storage", cfg.Storage.Driver).Info("Запуск сервера")
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("не удалось запустить сервер: %w", err)
	}
	return nil
}

func openStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		log.Info("Инициализация хранилища PostgreSQL")
		return postgres.New(cfg.Postgres.DSN)
	case config.DriverMongo:
		log.Info("Инициализация хранилища MongoDB")
		return mongodb.New(cfg.Mongo.URI, cfg.Mongo.Database)
	default:
		log.Info("Инициализация хранилища Memory")
		return memory.New(), nil
	}
}
