package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ButyrinIA/storyfeed/internal/config"
	"github.com/ButyrinIA/storyfeed/internal/models"
	"github.com/ButyrinIA/storyfeed/internal/notice"
	"github.com/ButyrinIA/storyfeed/internal/storage/remote"
	"github.com/ButyrinIA/storyfeed/internal/syncunit"
	"github.com/ButyrinIA/storyfeed/internal/views"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	serverURL := flag.String("url", "", "адрес сервера, по умолчанию из конфигурации")
	category := flag.String("category", models.CategoryAll, "категория ленты")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Не удалось загрузить конфигурацию: %v", err)
	}
	if *serverURL != "" {
		cfg.Remote.URL = *serverURL
	}
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}
	if *category != models.CategoryAll && !models.IsCategory(*category) {
		log.Fatalf("Неизвестная категория: %s", *category)
	}

	client, err := remote.New(cfg.Remote.URL, remote.WithTimeout(cfg.Remote.Timeout))
	if err != nil {
		log.Fatalf("Не удалось создать клиент: %v", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithField("category", *category)
	v := views.New(client, notice.LogSink{Log: logger}, logger)
	feed := v.Feed(*category, syncunit.WithObserver(func(snap syncunit.Snapshot[[]models.PostView]) {
		entry := logger.WithFields(log.Fields{"state": snap.State, "seq": snap.Seq, "posts": len(snap.Value)})
		if snap.State != syncunit.Ready {
			entry.Debug("feed")
			return
		}
		entry.Info("feed updated")
		for i, p := range snap.Value {
			if i == 5 {
				break
			}
			logger.WithFields(log.Fields{"id": p.ID, "author": p.Author.DisplayName}).Info(p.Title)
		}
	}))

	if err := feed.Start(ctx); err != nil {
		logger.WithError(err).Warn("Живые обновления недоступны")
	}
	defer feed.Close()

	<-ctx.Done()
	log.Info("Остановка")
}
