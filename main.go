package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/gorilla/mux"

	"github.com/pliu/chatty-dm/internal/attachments"
	"github.com/pliu/chatty-dm/internal/auth"
	"github.com/pliu/chatty-dm/internal/chat"
	"github.com/pliu/chatty-dm/internal/config"
	"github.com/pliu/chatty-dm/internal/handlers"
	"github.com/pliu/chatty-dm/internal/logging"
	"github.com/pliu/chatty-dm/internal/middleware"
	"github.com/pliu/chatty-dm/internal/presence"
	"github.com/pliu/chatty-dm/internal/store"
	"github.com/pliu/chatty-dm/internal/store/badgerstore"
	"github.com/pliu/chatty-dm/internal/store/sqlstore"
	"github.com/pliu/chatty-dm/internal/ws"
)

var configPath = flag.String("config", os.Getenv("CHAT_CONFIG"), "path to the YAML config file")

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	users, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer users.Close()

	var chatStore store.ChatStore = users
	if cfg.Database.ChatEngine == "badger" {
		kv, err := badgerstore.New(cfg.Database.BadgerPath, logger)
		if err != nil {
			return fmt.Errorf("opening chat store: %w", err)
		}
		defer kv.Close()
		chatStore = kv
	}

	uploads, err := attachments.New(cfg.Uploads.Dir, cfg.Uploads.BaseURL, int64(cfg.Uploads.MaxBytes), logger)
	if err != nil {
		return err
	}

	registry := presence.NewRegistry(logger)
	router := chat.New(chatStore, users, registry, logger, chat.WithMaxTextLen(cfg.Chat.MaxTextLen))
	hub := ws.NewHub(registry, router, logger,
		ws.WithSendBuffer(cfg.Presence.SendBuffer),
		ws.WithAllowedOrigin(cfg.Server.AllowedOrigin))
	issuer := auth.NewIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)

	authHandler := &handlers.AuthHandler{Store: users, Issuer: issuer, Logger: logger}
	userHandler := &handlers.UserHandler{Store: users, Presence: registry, Attachments: uploads, Logger: logger}
	messageHandler := &handlers.MessageHandler{Router: router, Attachments: uploads, Logger: logger}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/signup", authHandler.Signup).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", authHandler.Login).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", authHandler.Logout).Methods(http.MethodGet, http.MethodPost)

	protected := api.NewRoute().Subrouter()
	protected.Use(middleware.AuthMiddleware(issuer))
	protected.HandleFunc("/user/current", userHandler.Current).Methods(http.MethodGet)
	protected.HandleFunc("/user/others", userHandler.Others).Methods(http.MethodGet)
	protected.HandleFunc("/user/profile", userHandler.Profile).Methods(http.MethodPut)
	protected.HandleFunc("/user/search", userHandler.Search).Methods(http.MethodGet)
	protected.HandleFunc("/user/online", userHandler.Online).Methods(http.MethodGet)
	protected.HandleFunc("/message/send/{receiver}", messageHandler.Send).Methods(http.MethodPost)
	protected.HandleFunc("/message/get/{receiver}", messageHandler.History).Methods(http.MethodGet)
	protected.HandleFunc("/message/conversations", messageHandler.Conversations).Methods(http.MethodGet)

	r.Handle("/ws", middleware.AuthMiddleware(issuer)(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws.ServeWs(hub, w, req, middleware.IdentityFrom(req.Context()))
	})))

	prefix := strings.TrimRight(cfg.Uploads.BaseURL, "/") + "/"
	r.PathPrefix(prefix).Handler(http.StripPrefix(prefix, http.FileServer(http.Dir(uploads.Dir()))))

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Storage:   %s (chat: %s)\n\n", cfg.Database.Driver, cfg.Database.ChatEngine)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serving http: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not closed by srv.Shutdown; the hub
	// drains them before the deferred store closes run.
	return errors.Join(
		serveErr,
		srv.Shutdown(shutdownCtx),
		hub.Shutdown(shutdownCtx),
	)
}
