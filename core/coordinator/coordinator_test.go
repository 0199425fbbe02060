package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"soundsync/core/remote"
	"soundsync/core/transfer"
	"soundsync/db"
	"soundsync/model"
	"soundsync/repository"
	"soundsync/storage"

	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"
)

const testNow = 1700000000

type fakeFeed struct {
	mu        sync.Mutex
	changes   []model.RemoteSound
	fetchErr  error
	deleteErr error
	fetches   int
	sinces    []int64
	deleted   []int64
	entered   chan struct{}
	release   chan struct{}
}

func (f *fakeFeed) FetchChanges(_ context.Context, since int64) ([]model.RemoteSound, error) {
	f.mu.Lock()
	f.fetches++
	f.sinces = append(f.sinces, since)
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]model.RemoteSound(nil), f.changes...), nil
}

func (f *fakeFeed) DeleteRemote(_ context.Context, s model.Sound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, s.RemoteID)
	return nil
}

type fakeConn bool

func (c fakeConn) Connected() bool { return bool(c) }

type fakePlayer struct {
	mu    sync.Mutex
	paths []string
}

func (p *fakePlayer) Play(_ context.Context, _ model.Sound, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths = append(p.paths, path)
	return nil
}

type recordingObserver struct {
	NopObserver
	mu       sync.Mutex
	sets     [][]model.Sound
	outcomes []DownloadResult
	syncErrs []error
	progress []int
}

func (o *recordingObserver) OnWorkingSetChanged(sounds []model.Sound) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sets = append(o.sets, sounds)
}

func (o *recordingObserver) OnProgress(_ model.Sound, percent int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress = append(o.progress, percent)
}

func (o *recordingObserver) OnDownloadOutcome(_ model.Sound, result DownloadResult, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, result)
}

func (o *recordingObserver) OnSyncOutcome(_ SyncResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncErrs = append(o.syncErrs, err)
}

type testEnv struct {
	c         *Coordinator
	store     repository.SoundRepository
	watermark *repository.WatermarkStore
	media     *storage.MediaStore
	feed      *fakeFeed
	player    *fakePlayer
	guard     *transfer.Counter
	observer  *recordingObserver
}

type envOption func(*Options)

func newTestEnv(t *testing.T, media *storage.MediaStore, opts ...envOption) *testEnv {
	t.Helper()

	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "sounds.db"), gormlogger.Silent)
	require.NoError(t, err)
	_, err = db.Migrate(gdb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	if media == nil {
		media = storage.NewMemoryMediaStore()
	}
	env := &testEnv{
		store:     repository.NewSoundRepository(gdb),
		watermark: repository.NewWatermarkStore(repository.NewPreferenceStore(gdb)),
		media:     media,
		feed:      &fakeFeed{},
		player:    &fakePlayer{},
		guard:     transfer.NewCounter(),
		observer:  &recordingObserver{},
	}

	o := Options{
		Store:  env.store,
		Remote: env.feed,
		Transfers: transfer.NewEngine(transfer.Options{
			HTTPClient:  remote.NewHTTPClient(time.Second, 2*time.Second),
			Media:       media,
			ReadTimeout: 2 * time.Second,
			Guard:       env.guard,
		}),
		Media:        media,
		Watermark:    env.watermark,
		Connectivity: fakeConn(true),
		Player:       env.player,
		Now:          func() time.Time { return time.Unix(testNow, 0) },
	}
	for _, opt := range opts {
		opt(&o)
	}
	env.c = New(o)
	env.c.Subscribe(env.observer)
	require.NoError(t, env.c.Refresh(context.Background()))
	return env
}

func boo(link string) model.RemoteSound {
	return model.RemoteSound{ID: 7, Name: "Boo", FileName: "boo.mp3", DownloadLink: link, CreatedAt: 100, UpdatedAt: 100}
}

func (e *testEnv) storedSounds(t *testing.T) []model.Sound {
	t.Helper()
	all, err := e.store.GetAll(context.Background())
	require.NoError(t, err)
	return all
}

func TestSyncWithServer_NewSound(t *testing.T) {
	env := newTestEnv(t, nil)
	env.feed.changes = []model.RemoteSound{boo("https://x/boo.mp3")}

	res, err := env.c.SyncWithServer(context.Background())
	require.NoError(t, err)

	assert.Equal(t, SyncResult{Fetched: 1, Created: 1, Previous: 0, Watermark: testNow}, res)
	assert.Equal(t, []int64{0}, env.feed.sinces)

	stored := env.storedSounds(t)
	require.Len(t, stored, 1)
	assert.Equal(t, int64(7), stored[0].RemoteID)
	assert.False(t, stored[0].Downloaded)

	sounds := env.c.Sounds()
	require.Len(t, sounds, 1)
	assert.Equal(t, stored[0], sounds[0])

	wm, err := env.watermark.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(testNow), wm)

	assert.Equal(t, Idle, env.c.State())
	assert.Equal(t, []error{nil}, env.observer.syncErrs)
}

func TestSyncWithServer_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.feed.changes = []model.RemoteSound{boo("https://x/boo.mp3"), {ID: 8, Name: "Bah", FileName: "bah.wav"}}

	_, err := env.c.SyncWithServer(context.Background())
	require.NoError(t, err)
	// same window again, as after a crash before the watermark was stored
	require.NoError(t, env.watermark.Reset(context.Background()))

	res, err := env.c.SyncWithServer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 2, res.Existing)

	perRemote := map[int64]int{}
	for _, s := range env.storedSounds(t) {
		perRemote[s.RemoteID]++
	}
	assert.Equal(t, map[int64]int{7: 1, 8: 1}, perRemote)
}

func TestSyncWithServer_FetchFailureLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.store.Create(ctx, &model.Sound{RemoteID: 1, Name: "old", RemoteFileName: "old.mp3"})
	require.NoError(t, err)
	require.NoError(t, env.c.Refresh(ctx))
	_, err = env.watermark.Advance(ctx, 500)
	require.NoError(t, err)
	before := env.c.Sounds()

	env.feed.changes = []model.RemoteSound{boo("https://x/boo.mp3")}
	env.feed.fetchErr = &remote.ChangeFetchError{Status: 503, Body: "maintenance"}

	res, err := env.c.SyncWithServer(ctx)

	var syncErr *SyncFailedError
	require.True(t, errors.As(err, &syncErr), "got %v", err)
	assert.Equal(t, 503, syncErr.Status)
	assert.Equal(t, int64(500), res.Watermark)

	wm, err := env.watermark.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), wm)
	assert.Equal(t, before, env.c.Sounds())
	assert.Len(t, env.storedSounds(t), 1)
	assert.Equal(t, Idle, env.c.State())
}

func TestSyncWithServer_NoConnectivity(t *testing.T) {
	env := newTestEnv(t, nil, func(o *Options) { o.Connectivity = fakeConn(false) })
	env.feed.changes = []model.RemoteSound{boo("https://x/boo.mp3")}

	_, err := env.c.SyncWithServer(context.Background())
	assert.ErrorIs(t, err, ErrNoConnectivity)
	assert.Zero(t, env.feed.fetches)

	wm, err := env.watermark.Get(context.Background())
	require.NoError(t, err)
	assert.Zero(t, wm)
}

func TestSyncWithServer_WatermarkNeverDecreases(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := env.watermark.Advance(ctx, testNow+3600)
	require.NoError(t, err)

	res, err := env.c.SyncWithServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(testNow+3600), res.Watermark)
	assert.Equal(t, []int64{testNow + 3600}, env.feed.sinces)
}

func TestSyncWithServer_ConcurrentCallsShareCycle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.feed.changes = []model.RemoteSound{boo("https://x/boo.mp3")}
	env.feed.entered = make(chan struct{}, 2)
	env.feed.release = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = env.c.SyncWithServer(context.Background())
	}()
	<-env.feed.entered
	assert.Equal(t, FetchingChanges, env.c.State())

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = env.c.SyncWithServer(context.Background())
	}()
	// give the second caller time to join the running cycle
	time.Sleep(50 * time.Millisecond)
	close(env.feed.release)
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, env.feed.fetches)
	assert.Len(t, env.storedSounds(t), 1)
}

func TestRefresh_SelfHealsMissingFiles(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.store.Create(ctx, &model.Sound{RemoteID: 1, RemoteFileName: "a.mp3", LocalFileName: "a.mp3", Downloaded: true})
	require.NoError(t, err)
	_, err = env.store.Create(ctx, &model.Sound{RemoteID: 2, RemoteFileName: "b.mp3", LocalFileName: "b.mp3", Downloaded: true})
	require.NoError(t, err)
	_, err = env.store.Create(ctx, &model.Sound{RemoteID: 3, RemoteFileName: "c.txt", LocalFileName: "c.txt", Downloaded: true})
	require.NoError(t, err)
	require.NoError(t, util.WriteFile(env.media.Raw(), "a.mp3", []byte("x"), 0644))
	require.NoError(t, util.WriteFile(env.media.Raw(), "c.txt", []byte("x"), 0644))

	require.NoError(t, env.c.Refresh(ctx))

	sounds := env.c.Sounds()
	require.Len(t, sounds, 3)
	assert.True(t, sounds[0].Downloaded)
	assert.False(t, sounds[1].Downloaded, "file missing")
	assert.False(t, sounds[2].Downloaded, "extension not allowed")

	for _, s := range env.storedSounds(t) {
		assert.Equal(t, s.RemoteID == 1, s.Downloaded, "remote id %d", s.RemoteID)
	}
}

func TestSound_InvalidPosition(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.c.Sound(0)
	assert.ErrorIs(t, err, ErrInvalidPosition)
	_, err = env.c.Sound(-1)
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	env := newTestEnv(t, nil)
	extra := &recordingObserver{}
	unsubscribe := env.c.Subscribe(extra)

	require.NoError(t, env.c.Refresh(context.Background()))
	unsubscribe()
	require.NoError(t, env.c.Refresh(context.Background()))

	assert.Len(t, extra.sets, 1)
}

// constraintStore reports remote id dup as absent but refuses to create it,
// like a record inserted between the existence check and the insert.
type constraintStore struct {
	repository.SoundRepository
	dup int64
}

func (s constraintStore) Exists(ctx context.Context, remoteID int64) (bool, error) {
	if remoteID == s.dup {
		return false, nil
	}
	return s.SoundRepository.Exists(ctx, remoteID)
}

func (s constraintStore) Create(ctx context.Context, sound *model.Sound) (int64, error) {
	if sound.RemoteID == s.dup {
		return 0, &repository.ConstraintError{RemoteID: sound.RemoteID}
	}
	return s.SoundRepository.Create(ctx, sound)
}

func TestSyncWithServer_SkipsConstraintViolation(t *testing.T) {
	env := newTestEnv(t, nil, func(o *Options) {
		o.Store = constraintStore{SoundRepository: o.Store, dup: 8}
	})
	env.feed.changes = []model.RemoteSound{
		boo("https://x/boo.mp3"),
		{ID: 8, Name: "Bah", FileName: "bah.wav"},
		{ID: 9, Name: "Bee", FileName: "bee.aac"},
	}

	res, err := env.c.SyncWithServer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, int64(testNow), res.Watermark)

	var remoteIDs []int64
	for _, s := range env.storedSounds(t) {
		remoteIDs = append(remoteIDs, s.RemoteID)
	}
	assert.ElementsMatch(t, []int64{7, 9}, remoteIDs)
	assert.Len(t, env.c.Sounds(), 2)

	wm, err := env.watermark.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(testNow), wm)
	assert.Equal(t, []error{nil}, env.observer.syncErrs)
}
