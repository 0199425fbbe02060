package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"soundsync/core/transfer"
	"soundsync/logger"
	"soundsync/model"
	"soundsync/repository"
	"soundsync/storage"

	"golang.org/x/sync/singleflight"
)

// State is the phase of the sync state machine.
type State int

const (
	Idle State = iota
	FetchingChanges
	ApplyingChanges
	FetchFailed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchingChanges:
		return "fetching_changes"
	case ApplyingChanges:
		return "applying_changes"
	case FetchFailed:
		return "fetch_failed"
	default:
		return "unknown"
	}
}

// ChangeFeed is the remote catalog.
type ChangeFeed interface {
	FetchChanges(ctx context.Context, since int64) ([]model.RemoteSound, error)
	DeleteRemote(ctx context.Context, sound model.Sound) error
}

// Transferer downloads the bytes of one sound.
type Transferer interface {
	Download(ctx context.Context, sound model.Sound, sink transfer.ProgressSink) transfer.Outcome
}

// Watermark stores the last successful sync time.
type Watermark interface {
	Get(ctx context.Context) (int64, error)
	Advance(ctx context.Context, ts int64) (int64, error)
}

// Options wires a Coordinator. Connectivity, Confirmer and Now are optional.
type Options struct {
	Store        repository.SoundRepository
	Remote       ChangeFeed
	Transfers    Transferer
	Media        *storage.MediaStore
	Watermark    Watermark
	Connectivity ConnectivityChecker
	Confirmer    Confirmer
	Player       Player
	Now          func() time.Time
}

// Coordinator owns the working set and drives sync, download and delete
// against the catalog, the remote and the media directory.
type Coordinator struct {
	store        repository.SoundRepository
	remote       ChangeFeed
	transfers    Transferer
	media        *storage.MediaStore
	watermark    Watermark
	connectivity ConnectivityChecker
	confirmer    Confirmer
	player       Player
	now          func() time.Time

	mu     sync.RWMutex
	sounds []model.Sound
	state  State

	// refreshMu serialises working-set swaps
	refreshMu sync.Mutex

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	syncs     singleflight.Group
	downloads singleflight.Group

	// local file name -> remote id of the download writing it
	targetsMu sync.Mutex
	targets   map[string]int64
}

// New creates a Coordinator. Call Refresh to load the working set.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		store:        opts.Store,
		remote:       opts.Remote,
		transfers:    opts.Transfers,
		media:        opts.Media,
		watermark:    opts.Watermark,
		connectivity: opts.Connectivity,
		confirmer:    opts.Confirmer,
		player:       opts.Player,
		now:          opts.Now,
		sounds:       []model.Sound{},
		observers:    make(map[int]Observer),
		targets:      make(map[string]int64),
	}
	if c.connectivity == nil {
		c.connectivity = alwaysConnected{}
	}
	if c.confirmer == nil {
		c.confirmer = AlwaysConfirm
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Refresh reloads the working set from the catalog. Downloaded sounds whose
// file is gone are flipped back to not downloaded and persisted. The new
// set replaces the old one wholesale; on error the old set stays.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	sounds, err := c.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sounds: %w", err)
	}

	for i := range sounds {
		s := &sounds[i]
		if !s.Downloaded || c.filePresent(*s) {
			continue
		}
		s.Downloaded = false
		logger.Info("media file missing, marking sound as not downloaded",
			logger.Int64("id", s.ID),
			logger.String("file", s.LocalFileName))
		if err := c.store.Update(ctx, s); err != nil && !errors.Is(err, repository.ErrNotFound) {
			logger.Warn("failed to persist self-heal", logger.Int64("id", s.ID), logger.ErrorField(err))
		}
	}

	sort.Slice(sounds, func(i, j int) bool { return sounds[i].ID < sounds[j].ID })

	c.mu.Lock()
	c.sounds = sounds
	c.mu.Unlock()

	snapshot := c.Sounds()
	c.each(func(o Observer) { o.OnWorkingSetChanged(snapshot) })
	return nil
}

func (c *Coordinator) filePresent(s model.Sound) bool {
	file := s.LocalFile()
	if file == "" {
		return false
	}
	ok, err := c.media.Exists(file)
	if err != nil {
		logger.Warn("failed to check media file", logger.String("file", file), logger.ErrorField(err))
		return false
	}
	return ok
}

// Sounds returns a copy of the working set ordered by local id.
func (c *Coordinator) Sounds() []model.Sound {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Sound, len(c.sounds))
	copy(out, c.sounds)
	return out
}

// Sound returns the sound at position in the working set.
func (c *Coordinator) Sound(position int) (model.Sound, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if position < 0 || position >= len(c.sounds) {
		return model.Sound{}, fmt.Errorf("%w: %d", ErrInvalidPosition, position)
	}
	return c.sounds[position], nil
}

// State returns the current sync phase.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	logger.Debug("sync state changed", logger.String("state", s.String()))
}

// MediaPath returns the on-disk path of a sound's file.
func (c *Coordinator) MediaPath(s model.Sound) string {
	return c.media.Path(s.LocalFile())
}
