package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/abathur-dev/abathur/internal/config"
	"github.com/abathur-dev/abathur/internal/deps"
	"github.com/abathur-dev/abathur/internal/queue"
	"github.com/abathur-dev/abathur/internal/storage"
	"github.com/abathur-dev/abathur/internal/storage/sqlite"
)

// app bundles the wired service graph behind every command: config,
// store, resolver, queue service, and the logger.
type app struct {
	cfgMgr   *config.Manager
	cfg      *config.Config
	store    *sqlite.Store
	resolver *deps.Resolver
	queue    *queue.Service
	log      zerolog.Logger
}

// openApp loads config and opens the database. Callers must Close.
func openApp(ctx context.Context) (*app, error) {
	mgr, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Config()

	path := cfg.Database.Path
	if dbPath != "" {
		path = dbPath
	}
	store, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, err
	}

	log := newLogger(cfg.Logging.Level)
	resolver := deps.NewResolver(store)
	return &app{
		cfgMgr:   mgr,
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		queue:    queue.NewService(store, resolver, log),
		log:      log,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("store close failed")
	}
}

// resolveTask accepts a full UUID or unique prefix and returns the task.
func (a *app) resolveTask(ctx context.Context, ref string) (string, error) {
	task, err := a.store.ResolveTaskPrefix(ctx, ref)
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// remediationHint suggests a next step for the well-known failure
// classes. Unknown errors get no hint.
func remediationHint(err error) string {
	var cycle *deps.CircularDependencyError
	switch {
	case errors.As(err, &cycle):
		return "remove one of the listed prerequisites to break the cycle"
	case errors.Is(err, storage.ErrAmbiguous):
		return "use more characters of the task ID"
	case errors.Is(err, storage.ErrNotFound):
		return "run 'abathur task list' to see known tasks"
	case errors.Is(err, storage.ErrBusy):
		return "another abathur process holds the database lock; retry shortly"
	case errors.Is(err, storage.ErrIntegrity):
		return "run 'abathur init --validate' to check the database"
	}
	return ""
}

// stdinIsTTY reports whether stdin is an interactive terminal, gating
// confirmation prompts.
func stdinIsTTY() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// shortIDs joins short forms of the given IDs for one-line summaries.
func shortIDs(ids []string) string {
	short := make([]string, len(ids))
	for i, id := range ids {
		if len(id) > 8 {
			id = id[:8]
		}
		short[i] = id
	}
	return strings.Join(short, ", ")
}
