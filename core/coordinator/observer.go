package coordinator

import (
	"context"

	"soundsync/model"
)

// Observer is notified about coordinator events. Calls are synchronous and
// happen outside the coordinator's locks; implementations must not block.
type Observer interface {
	OnWorkingSetChanged(sounds []model.Sound)
	OnProgress(sound model.Sound, percent int)
	OnDownloadOutcome(sound model.Sound, result DownloadResult, err error)
	OnSyncOutcome(result SyncResult, err error)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnWorkingSetChanged([]model.Sound)                    {}
func (NopObserver) OnProgress(model.Sound, int)                          {}
func (NopObserver) OnDownloadOutcome(model.Sound, DownloadResult, error) {}
func (NopObserver) OnSyncOutcome(SyncResult, error)                      {}

// Confirmer asks whether a sound may be downloaded.
type Confirmer interface {
	ConfirmDownload(ctx context.Context, sound model.Sound) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, sound model.Sound) bool

func (f ConfirmFunc) ConfirmDownload(ctx context.Context, sound model.Sound) bool {
	return f(ctx, sound)
}

// AlwaysConfirm accepts every download.
var AlwaysConfirm = ConfirmFunc(func(context.Context, model.Sound) bool { return true })

// Player plays a downloaded sound from path.
type Player interface {
	Play(ctx context.Context, sound model.Sound, path string) error
}

// ConnectivityChecker reports whether the network may be used.
type ConnectivityChecker interface {
	Connected() bool
}

type alwaysConnected struct{}

func (alwaysConnected) Connected() bool { return true }

// Subscribe registers o until the returned function is called.
func (c *Coordinator) Subscribe(o Observer) (unsubscribe func()) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = o
	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Coordinator) each(fn func(Observer)) {
	c.obsMu.RLock()
	obs := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		obs = append(obs, o)
	}
	c.obsMu.RUnlock()

	for _, o := range obs {
		fn(o)
	}
}
