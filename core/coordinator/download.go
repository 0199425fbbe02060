package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"soundsync/core/transfer"
	"soundsync/logger"
	"soundsync/model"
	"soundsync/repository"
	"soundsync/storage"

	"golang.org/x/sync/errgroup"
)

// DownloadResult is what DownloadSound ended up doing.
type DownloadResult int

const (
	ResultDownloaded DownloadResult = iota
	ResultPlayed
	ResultDeclined
	ResultNotFound
	ResultFailed
	ResultCancelled
)

func (r DownloadResult) String() string {
	switch r {
	case ResultDownloaded:
		return "downloaded"
	case ResultPlayed:
		return "played"
	case ResultDeclined:
		return "declined"
	case ResultNotFound:
		return "not_found"
	case ResultFailed:
		return "failed"
	case ResultCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (r DownloadResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// DownloadSound plays the sound at position when its file is present and
// otherwise downloads it after confirmation. A 404 purges the sound from
// the catalog.
func (c *Coordinator) DownloadSound(ctx context.Context, position int, sink transfer.ProgressSink) (DownloadResult, error) {
	sound, err := c.Sound(position)
	if err != nil {
		return ResultFailed, err
	}

	if sound.Downloaded && c.filePresent(sound) {
		if c.player == nil {
			return ResultFailed, errors.New("no player configured")
		}
		if err := c.player.Play(ctx, sound, c.media.Path(sound.LocalFile())); err != nil {
			return ResultFailed, fmt.Errorf("failed to play sound %d: %w", sound.ID, err)
		}
		return ResultPlayed, nil
	}

	if !c.confirmer.ConfirmDownload(ctx, sound) {
		logger.Debug("download declined", logger.Int64("id", sound.ID))
		return ResultDeclined, nil
	}
	if !c.connectivity.Connected() {
		return ResultFailed, ErrNoConnectivity
	}
	return c.download(ctx, sound, sink)
}

type downloadReply struct {
	result DownloadResult
}

// download runs one transfer per remote id; callers racing on the same
// sound share the first caller's transfer and outcome.
func (c *Coordinator) download(ctx context.Context, sound model.Sound, sink transfer.ProgressSink) (DownloadResult, error) {
	key := strconv.FormatInt(sound.RemoteID, 10)
	v, err, _ := c.downloads.Do(key, func() (interface{}, error) {
		res, err := c.runDownload(ctx, sound, sink)
		return downloadReply{result: res}, err
	})
	return v.(downloadReply).result, err
}

func (c *Coordinator) runDownload(ctx context.Context, sound model.Sound, sink transfer.ProgressSink) (DownloadResult, error) {
	progress := transfer.ProgressFunc(func(s model.Sound, percent int) {
		if sink != nil {
			sink.OnProgress(s, percent)
		}
		c.each(func(o Observer) { o.OnProgress(s, percent) })
	})

	if name, err := storage.SafeName(sound.RemoteFileName); err == nil {
		if !c.claimTarget(name, sound.RemoteID) {
			logger.Warn("download target busy",
				logger.Int64("id", sound.ID),
				logger.String("file", name))
			err := &TransferFailedError{Err: fmt.Errorf("%w: %s", ErrTargetBusy, name)}
			c.each(func(o Observer) { o.OnDownloadOutcome(sound, ResultFailed, err) })
			return ResultFailed, err
		}
		defer c.releaseTarget(name)
	}

	out := c.transfers.Download(ctx, sound, progress)

	var (
		result DownloadResult
		err    error
	)
	switch out.Status {
	case transfer.Done:
		result, err = ResultDownloaded, c.completeDownload(ctx, out.Sound)
	case transfer.NotFound:
		result, err = ResultNotFound, c.purge(ctx, sound)
	case transfer.Cancelled:
		logger.Info("download cancelled", logger.Int64("id", sound.ID))
		return ResultCancelled, nil
	default:
		result, err = ResultFailed, &TransferFailedError{Status: out.HTTPStatus, Err: out.Err}
	}

	c.each(func(o Observer) { o.OnDownloadOutcome(out.Sound, result, err) })
	return result, err
}

// claimTarget reserves the local file name for remoteID. Sounds whose remote
// names sanitise to the same file cannot download at the same time.
func (c *Coordinator) claimTarget(name string, remoteID int64) bool {
	c.targetsMu.Lock()
	defer c.targetsMu.Unlock()
	if _, held := c.targets[name]; held {
		return false
	}
	c.targets[name] = remoteID
	return true
}

func (c *Coordinator) releaseTarget(name string) {
	c.targetsMu.Lock()
	delete(c.targets, name)
	c.targetsMu.Unlock()
}

func (c *Coordinator) completeDownload(ctx context.Context, updated model.Sound) error {
	if err := c.store.Update(ctx, &updated); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// deleted while downloading
			c.media.RemoveQuietly(updated.LocalFile())
		}
		return fmt.Errorf("failed to store downloaded sound %d: %w", updated.ID, err)
	}
	return c.Refresh(ctx)
}

// purge removes a sound the remote no longer has, record first.
func (c *Coordinator) purge(ctx context.Context, sound model.Sound) error {
	if _, err := c.store.Delete(ctx, sound.ID); err != nil {
		return fmt.Errorf("failed to delete sound %d: %w", sound.ID, err)
	}
	logger.Info("sound removed upstream, purged locally",
		logger.Int64("id", sound.ID),
		logger.Int64("remoteId", sound.RemoteID))

	c.removeFiles(sound)
	return c.Refresh(ctx)
}

// removeFiles removes every file a sound may own: its recorded local file
// and the file its remote name resolves to.
func (c *Coordinator) removeFiles(sound model.Sound) {
	local := sound.LocalFile()
	c.media.RemoveQuietly(local)
	if name, err := storage.SafeName(sound.RemoteFileName); err == nil && name != local {
		c.media.RemoveQuietly(name)
	}
}

// BulkResult aggregates the outcomes of DownloadMissing.
type BulkResult struct {
	Downloaded int             `json:"downloaded"`
	NotFound   int             `json:"notFound"`
	Failed     int             `json:"failed"`
	Cancelled  int             `json:"cancelled"`
	Errors     map[int64]error `json:"-"`
}

// DownloadMissing downloads every sound in the working set that is not
// downloaded yet, at most workers at a time. Individual failures are
// collected in the result; the returned error is only set when nothing
// could be attempted.
func (c *Coordinator) DownloadMissing(ctx context.Context, workers int) (BulkResult, error) {
	res := BulkResult{Errors: map[int64]error{}}
	if !c.connectivity.Connected() {
		return res, ErrNoConnectivity
	}
	if workers < 1 {
		workers = 1
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(workers)

	for _, s := range c.Sounds() {
		if s.Downloaded {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		s := s
		g.Go(func() error {
			result, err := c.download(ctx, s, nil)
			mu.Lock()
			defer mu.Unlock()
			switch result {
			case ResultDownloaded:
				if err != nil {
					res.Failed++
					res.Errors[s.ID] = err
					return nil
				}
				res.Downloaded++
			case ResultNotFound:
				res.NotFound++
			case ResultCancelled:
				res.Cancelled++
			default:
				res.Failed++
				res.Errors[s.ID] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("bulk download finished",
		logger.Int("downloaded", res.Downloaded),
		logger.Int("notFound", res.NotFound),
		logger.Int("failed", res.Failed),
		logger.Int("cancelled", res.Cancelled))
	return res, nil
}
