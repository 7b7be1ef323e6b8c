package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dawasakhi/authgateway/internal/auth"
	"github.com/dawasakhi/authgateway/internal/store"
	"github.com/dawasakhi/authgateway/internal/token"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/knadh/koanf/v2"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary
// controls (store, auth flows, config etc.) to be injected into
// the HTTP handlers.
type App struct {
	auth      *auth.Service
	tokens    *token.Manager
	store     store.Store
	lo        logf.Logger
	constants constants
}

var (
	lo = initLogger(false)
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()
	lo = initLogger(ko.String("app.log_level") == "debug")

	var (
		st     = initStore()
		dir    = initUsers()
		tokens = initTokens(st)
	)
	defer st.Close()
	defer dir.Close()

	svc, err := auth.New(auth.Opt{
		OTP:      initOTP(st),
		Tokens:   tokens,
		Users:    dir,
		Provider: initProvider(),
		Template: initTemplate(),
	}, lo)
	if err != nil {
		lo.Fatal("error initializing auth", "error", err)
	}

	app := &App{
		auth:   svc,
		tokens: tokens,
		store:  st,
		lo:     lo,
		constants: constants{
			ExpiryWarning: ko.Duration("app.expiry_warning"),
		},
	}
	if app.constants.ExpiryWarning <= 0 {
		app.constants.ExpiryWarning = 5 * time.Minute
	}

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      initHTTPRouter(app, ko.Strings("app.cors_origins"), timeout),
	}

	go func() {
		lo.Info("starting server", "address", srv.Addr, "version", buildString)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lo.Fatal("couldn't start server", "error", err)
		}
	}()

	// Wait for a termination signal and drain in-flight requests.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	lo.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		lo.Error("error shutting down server", "error", err)
	}
}

// initHTTPRouter registers the HTTP handlers.
func initHTTPRouter(app *App, origins []string, timeout time.Duration) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logRequests(app.lo))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{headerTokenExpiring},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		sendErrorResponse(w, "Not found.", http.StatusNotFound, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		sendErrorResponse(w, "Method not allowed.", http.StatusMethodNotAllowed, nil)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("authgateway"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/send-otp", wrap(app, handleSendOTP))
		r.Post("/login", wrap(app, handleLoginWithOTP))
		r.Post("/login-password", wrap(app, handleLoginWithPassword))
		r.Post("/refresh", wrap(app, handleRefresh))
		r.Post("/logout", wrap(app, handleLogout))
		r.Get("/me", wrap(app, authenticate(handleGetMe)))
	})

	return r
}
