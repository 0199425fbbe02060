package cmd

import (
	"context"
	"fmt"

	"soundsync/cache"
	"soundsync/config"
	"soundsync/core/connectivity"
	"soundsync/core/coordinator"
	"soundsync/core/player"
	"soundsync/core/remote"
	"soundsync/core/transfer"
	"soundsync/db"
	"soundsync/logger"
	"soundsync/repository"
	"soundsync/storage"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg   *config.Config
	db    *gorm.DB
	redis *redis.Client
	media *storage.MediaStore
	guard *transfer.Counter
	coord *coordinator.Coordinator
}

type appOptions struct {
	confirmer  coordinator.Confirmer
	playerWait bool
}

// newApp opens the catalog, the preference backend and the media directory
// and builds the coordinator with a loaded working set.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	gdb, err := db.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	a := &app{cfg: cfg, db: gdb, guard: transfer.NewCounter()}

	reset, err := db.Migrate(gdb)
	if err != nil {
		a.Close()
		return nil, err
	}

	prefs, err := a.preferences()
	if err != nil {
		a.Close()
		return nil, err
	}
	watermark := repository.NewWatermarkStore(prefs)
	if reset {
		if err := watermark.Reset(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to reset watermark: %w", err)
		}
		logger.Info("sync watermark reset after schema upgrade")
	}

	a.media = storage.NewMediaStore(cfg.MediaPath)
	if err := a.media.EnsureDir(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to prepare media directory: %w", err)
	}

	httpClient := remote.NewHTTPClient(cfg.ConnectTimeout, cfg.ReadTimeout)
	a.coord = coordinator.New(coordinator.Options{
		Store:  repository.NewSoundRepository(gdb),
		Remote: remote.NewClientWithHTTP(cfg.APIBase(), httpClient),
		Transfers: transfer.NewEngine(transfer.Options{
			HTTPClient:  httpClient,
			Media:       a.media,
			ChunkSize:   cfg.ChunkSize,
			ReadTimeout: cfg.ReadTimeout,
			Guard:       a.guard,
		}),
		Media:        a.media,
		Watermark:    watermark,
		Connectivity: connectivity.New(cfg.NetworkPolicy, cfg.WifiInterfacePrefixes),
		Confirmer:    opts.confirmer,
		Player:       player.New(cfg.PlayerCmd, opts.playerWait),
	})

	if err := a.coord.Refresh(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// preferences selects where the watermark lives.
func (a *app) preferences() (repository.PreferenceStore, error) {
	switch a.cfg.PrefsBackend {
	case "redis":
		client, err := cache.Connect(a.cfg)
		if err != nil {
			return nil, err
		}
		a.redis = client
		return cache.NewPreferenceStore(client, a.cfg.RedisPrefix), nil
	case "db", "":
		return repository.NewPreferenceStore(a.db), nil
	default:
		return nil, fmt.Errorf("unsupported PREFS_BACKEND %q", a.cfg.PrefsBackend)
	}
}

// Close releases the database and redis connections.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Warn("failed to close redis", logger.ErrorField(err))
		}
	}
	if a.db != nil {
		if err := db.Close(a.db); err != nil {
			logger.Warn("failed to close catalog", logger.ErrorField(err))
		}
	}
}
