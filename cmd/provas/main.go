package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/provasonline/provas/internal/handler"
	appI18n "github.com/provasonline/provas/internal/i18n"
	"github.com/provasonline/provas/internal/llm"
	"github.com/provasonline/provas/internal/model"
	"github.com/provasonline/provas/internal/scheduler"
	"github.com/provasonline/provas/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "provas",
		Short: "Online exam server with offline submission sync and backups",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadDotEnv(".env")
		},
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.String("db-driver", "sqlite", "Data store driver (sqlite, bolt)")
	pf.String("db", "provas.db", "Data store path")
	pf.String("data-dir", "data", "Directory holding sync-queue/ and backups/")
	pf.StringP("lang", "l", "pt", "Default API message language (pt, en)")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (text, json)")

	serve := serveCmd()
	root.AddCommand(serve, backupCmd(), syncCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// loadDotEnv exports the variables of an optional .env file.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func addSyncFlags(f *pflag.FlagSet) {
	f.String("api-url", "", "Base URL of the authoritative server (default: this server)")
	f.String("sync-token", "", "Bearer token the sync service authenticates with")
	f.Duration("sync-timeout", 10*time.Second, "Timeout of one sync delivery")
	f.Int("max-attempts", 5, "Delivery attempts before an item is dead-lettered")
	f.Duration("health-timeout", 5*time.Second, "Timeout of one health probe")
}

func addBackupFlags(f *pflag.FlagSet) {
	f.Int("keep-backups", 7, "Full backups to keep")
	f.Int("keep-summaries", 30, "Backup summaries to keep")
	f.String("b2-key-id", "", "Backblaze B2 key ID for offsite backup copies")
	f.String("b2-app-key", "", "Backblaze B2 application key")
	f.String("b2-bucket", "", "Backblaze B2 bucket for offsite backup copies")
	f.String("b2-prefix", "provas", "Object prefix inside the B2 bucket")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("admin-email", "admin@provas.local", "Email of the initial admin user")
	f.String("admin-password", "", "Initial admin password (or set PROVAS_ADMIN_PASSWORD)")
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty disables AI generation)")
	f.String("llm-key", "", "API key for the LLM")
	f.String("llm-model", "gpt-3.5-turbo", "LLM model name")
	f.String("backup-schedule", scheduler.DefaultBackupSchedule, "Cron schedule of automatic backups")
	f.String("drain-schedule", scheduler.DefaultDrainSchedule, "Cron schedule of sync queue drains")
	f.Duration("health-interval", 10*time.Second, "Interval between connectivity probes")
	addSyncFlags(f)
	addBackupFlags(f)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("PROVAS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("provas")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/provas")
	v.AddConfigPath("/etc/provas")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	addr := v.GetString("addr")
	if v.GetString("api-url") == "" {
		v.Set("api-url", selfURL(addr))
	}
	if v.GetString("sync-token") == "" {
		token, err := randomToken()
		if err != nil {
			return err
		}
		v.Set("sync-token", token)
		slog.Warn("no sync token configured, generated one for this process only")
	}

	a, err := openApp(ctx, v, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := seedAdmin(ctx, a.store, v.GetString("admin-email"), v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	var gen handler.QuestionGenerator
	llmEnabled := v.GetString("llm-url") != ""
	if llmEnabled {
		client := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
		if err := client.Ping(ctx); err != nil {
			slog.Warn("LLM health check failed, fallback questions will be used", "error", err)
		} else {
			slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
		}
		gen = client
	}

	h, err := handler.New(handler.Deps{
		Store:     a.store,
		Registry:  a.registry,
		Queue:     a.queue,
		Backup:    a.backup,
		Drainer:   a.dispatcher,
		Generator: gen,
		Config: model.ServerConfig{
			SyncToken:  v.GetString("sync-token"),
			Lang:       lang,
			BackupDir:  a.backup.Dir(),
			LLMEnabled: llmEnabled,
		},
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	sched := scheduler.New(slog.Default())
	if err := sched.Add("backup", v.GetString("backup-schedule"), a.runBackup); err != nil {
		return err
	}
	if err := sched.Add("drain", v.GetString("drain-schedule"), func(ctx context.Context) error {
		_, err := a.dispatcher.Drain(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := sched.Add("session-cleanup", "0 * * * *", func(ctx context.Context) error {
		n, err := a.store.CleanupExpiredSessions(ctx)
		if n > 0 {
			slog.Info("expired auth sessions removed", "count", n)
		}
		return err
	}); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware)
	h.Routes(r)

	srv := &http.Server{Addr: addr, Handler: r}
	go sched.Run(ctx)
	go a.monitor.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
	}()

	slog.Info("starting server",
		"addr", addr,
		"db_driver", v.GetString("db-driver"),
		"queue_dir", a.queue.Dir(),
		"backup_dir", a.backup.Dir(),
		"api_url", v.GetString("api-url"),
		"lang", lang,
		"llm_enabled", llmEnabled,
		"next_runs", sched.Next(),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// selfURL turns a listen address into a loopback base URL.
func selfURL(addr string) string {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "http://" + host
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func seedAdmin(ctx context.Context, db *store.Store, email, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or PROVAS_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Name:         "Administrador",
		Email:        email,
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "email", email)
	return nil
}

// printJSON writes v to stdout, indented.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
