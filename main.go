package main

import (
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chatbox/internal/auth"
	"chatbox/internal/chat"
	"chatbox/internal/commands"
	"chatbox/internal/config"
	"chatbox/internal/filestore"
	"chatbox/internal/http"
	"chatbox/internal/push"
	"chatbox/internal/storage"
	"chatbox/internal/update"
	"chatbox/internal/ws"
)

func run(ctx context.Context, addMember string) error {
	cfg, err := config.Load(addMember != "")
	if err != nil {
		return err
	}

	if addMember != "" {
		return commands.AddMember(addMember, cfg)
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, bbStorage)
	if err != nil {
		return err
	}

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	store := chat.NewStore(bbStorage, cfg.PageSize)
	registry := chat.NewRegistry(bbStorage)
	hub := ws.NewHub()

	var pushService *push.Service
	if cfg.VAPIDPublicKey != "" {
		pushService = push.NewService(bbStorage, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.PushSubscriber)
	}

	updater := update.NewUpdater(registry, hub, pushService, cfg.UpdateScanCap, cfg.UpdateTime)

	adminServer := http.NewAdminServer(authService, registry, cfg.BaseURL, cfg.AdminAddr)
	apiServer := http.NewAPIServer(ctx, authService, hub, store, registry, updater, pushService, bbStorage, files, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return updater.Run(gCtx)
	})

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addMember := flag.String("add-member", "", "Username to create (prints the registration link)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addMember); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
