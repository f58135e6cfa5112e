// Package app wires the whole server together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"paintboard/server/internal/auth"
	"paintboard/server/internal/board"
	"paintboard/server/internal/config"
	"paintboard/server/internal/httpapi"
	"paintboard/server/internal/limiter"
	"paintboard/server/internal/logging"
	"paintboard/server/internal/paint"
	"paintboard/server/internal/store"
	"paintboard/server/internal/telemetry"
	"paintboard/server/internal/ws"
)

const (
	dbPath           = "paintboard.db"
	autosaveInterval = 5 * time.Minute
	shutdownGrace    = 10 * time.Second
)

// Run boots the server and blocks until SIGINT or SIGTERM.
func Run(ctx context.Context) error {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	b, err := loadBoard(cfg, st, log)
	if err != nil {
		return err
	}

	registry := auth.NewRegistry()
	tokens, err := st.LoadTokens()
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	registry.LoadAll(tokens)
	log.Infow("token registry loaded", "tokens", registry.Len())

	engine := paint.NewEngine(b, registry, cfg.PaintDelayDuration())
	if cfg.EnableTokenCounting {
		engine.TrackWriters()
	}

	limits := limiter.NewController(cfg.MaxWebSocketPerIP, cfg.BanDurationDuration())
	counters := telemetry.NewCounters()
	issuer := auth.NewIssuer(registry, st, cfg.ValidationPaste, cfg.MaxAllowedUID, log)

	hub := ws.NewHub(b, engine, limits, counters, ws.Config{
		TicksPerSecond:      cfg.TicksPerSecond,
		MaxPacketPerSecond:  cfg.MaxPacketPerSecond,
		EnableTokenCounting: cfg.EnableTokenCounting,
	}, log)
	go hub.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.Deps{
		Log:      log,
		Board:    b,
		Engine:   engine,
		Registry: registry,
		Issuer:   issuer,
		Limits:   limits,
		Counters: counters,
		Hub:      hub,
		Store:    st,
		BanToken: cfg.BanToken,
	})

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     router,
		IdleTimeout: 120 * time.Second,
	}

	if cfg.UseDB {
		go autosave(ctx, b, st, log)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSEnabled() {
			log.Infow("server listening", "port", cfg.Port, "tls", true)
			err = server.ListenAndServeTLS(cfg.Cert, cfg.Key)
		} else {
			log.Infow("server listening", "port", cfg.Port, "tls", false)
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Infow("shutting down")
	if cfg.UseDB {
		if err := st.SaveBoard(b.Snapshot(), b.Width(), b.Height()); err != nil {
			log.Errorw("final board save failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore opens SQLite when persistence is enabled, running the legacy
// token import and duplicate cleanup, and falls back to the in-memory
// store otherwise.
func openStore(cfg *config.Config, log *zap.SugaredLogger) (store.Store, error) {
	if !cfg.UseDB {
		log.Infow("persistence disabled, using in-memory store")
		return store.NewMemory(), nil
	}

	sq, err := store.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	imported, err := sq.ImportLegacy(store.LegacyDBPath)
	if err != nil {
		log.Errorw("legacy token import failed", "path", store.LegacyDBPath, "error", err)
	} else if imported > 0 {
		log.Infow("imported legacy tokens", "count", imported)
	}
	if err := sq.CleanupDuplicateTokens(); err != nil {
		log.Errorw("duplicate token cleanup failed", "error", err)
	}
	return sq, nil
}

// loadBoard restores the persisted grid unless clearBoard is set or the
// stored dimensions no longer match the configuration.
func loadBoard(cfg *config.Config, st store.Store, log *zap.SugaredLogger) (*board.Board, error) {
	if cfg.ClearBoard {
		log.Infow("starting with a blank board", "width", cfg.Width, "height", cfg.Height)
		return board.New(cfg.Width, cfg.Height)
	}

	saved, err := st.LoadBoard()
	if err != nil {
		return nil, fmt.Errorf("load board: %w", err)
	}
	if saved == nil {
		log.Infow("no saved board found, starting blank", "width", cfg.Width, "height", cfg.Height)
		return board.New(cfg.Width, cfg.Height)
	}

	// A transposed grid can share the byte length of the configured one, so
	// the stored dimensions are checked before the byte count.
	if saved.Width != cfg.Width || saved.Height != cfg.Height {
		log.Warnw("saved board dimensions differ, starting blank",
			"savedWidth", saved.Width, "savedHeight", saved.Height,
			"width", cfg.Width, "height", cfg.Height)
		return board.New(cfg.Width, cfg.Height)
	}

	b, err := board.Restore(cfg.Width, cfg.Height, saved.Pixels)
	if err != nil {
		log.Warnw("saved board unusable, starting blank",
			"savedWidth", saved.Width, "savedHeight", saved.Height,
			"width", cfg.Width, "height", cfg.Height, "error", err)
		return board.New(cfg.Width, cfg.Height)
	}
	log.Infow("board restored", "width", cfg.Width, "height", cfg.Height)
	return b, nil
}

// autosave persists the grid on a fixed interval until shutdown.
func autosave(ctx context.Context, b *board.Board, st store.Store, log *zap.SugaredLogger) {
	ticker := time.NewTicker(autosaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.SaveBoard(b.Snapshot(), b.Width(), b.Height()); err != nil {
				log.Errorw("autosave failed", "error", err)
			} else {
				log.Debugw("board autosaved")
			}
		}
	}
}
