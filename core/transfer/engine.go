package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"soundsync/core/remote"
	"soundsync/logger"
	"soundsync/model"
	"soundsync/storage"

	"github.com/google/uuid"
)

const (
	DefaultChunkSize   = 4096
	DefaultReadTimeout = 10 * time.Second
	partSuffix         = ".part"
)

// ErrStalled is reported when no bytes arrive within the read timeout.
var ErrStalled = errors.New("transfer stalled")

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	HTTPClient  *http.Client
	Media       *storage.MediaStore
	ChunkSize   int
	ReadTimeout time.Duration
	Guard       Guard
}

// Engine downloads sound bytes into the media directory. It never touches
// the catalog; callers persist the returned record. One Engine may serve
// downloads of distinct sounds concurrently.
type Engine struct {
	http        *http.Client
	media       *storage.MediaStore
	chunkSize   int
	readTimeout time.Duration
	guard       Guard
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		http:        opts.HTTPClient,
		media:       opts.Media,
		chunkSize:   opts.ChunkSize,
		readTimeout: opts.ReadTimeout,
		guard:       opts.Guard,
	}
	if e.readTimeout <= 0 {
		e.readTimeout = DefaultReadTimeout
	}
	if e.http == nil {
		e.http = remote.NewHTTPClient(5*time.Second, e.readTimeout)
	}
	if e.chunkSize <= 0 {
		e.chunkSize = DefaultChunkSize
	}
	if e.guard == nil {
		e.guard = NewCounter()
	}
	return e
}

// Download fetches sound.DownloadLink into <media>/<remote file name>.
// A 404 yields NotFound without writing anything. Cancelling ctx discards
// the partial file and yields Cancelled.
func (e *Engine) Download(ctx context.Context, sound model.Sound, sink ProgressSink) Outcome {
	if sink == nil {
		sink = nopSink{}
	}
	taskID := uuid.NewString()

	name, err := storage.SafeName(sound.RemoteFileName)
	if err != nil {
		return e.finish(taskID, Outcome{Status: Failed, Sound: sound, Err: err})
	}
	if !model.HasAllowedExtension(name) {
		return e.finish(taskID, Outcome{
			Status: Failed,
			Sound:  sound,
			Err:    fmt.Errorf("%w: %q has no allowed media extension", storage.ErrInvalidFileName, name),
		})
	}

	release := e.guard.Acquire("download " + name)
	defer release()

	logger.Info("download started",
		logger.String("taskId", taskID),
		logger.Int64("remoteId", sound.RemoteID),
		logger.String("url", sound.DownloadLink))

	// reqCtx is cancelled with ErrStalled when the body goes quiet
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(e.readTimeout, func() { cancel(ErrStalled) })
	defer idle.Stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, sound.DownloadLink, nil)
	if err != nil {
		return e.finish(taskID, Outcome{Status: Failed, Sound: sound, Err: fmt.Errorf("failed to build request: %w", err)})
	}

	resp, err := e.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return e.finish(taskID, Outcome{Status: Cancelled, Sound: sound, Err: ctx.Err()})
		}
		return e.finish(taskID, Outcome{Status: Failed, Sound: sound, Err: causeOf(reqCtx, err)})
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return e.finish(taskID, Outcome{Status: NotFound, Sound: sound, HTTPStatus: resp.StatusCode})
	case resp.StatusCode != http.StatusOK:
		return e.finish(taskID, Outcome{
			Status:     Failed,
			Sound:      sound,
			HTTPStatus: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		})
	}

	part := PartName(name, taskID)
	written, err := e.stream(ctx, reqCtx, idle, resp, sound, part, sink)
	if err != nil {
		e.media.RemoveQuietly(part)
		if ctx.Err() != nil {
			return e.finish(taskID, Outcome{Status: Cancelled, Sound: sound, HTTPStatus: resp.StatusCode, Bytes: written, Err: ctx.Err()})
		}
		return e.finish(taskID, Outcome{Status: Failed, Sound: sound, HTTPStatus: resp.StatusCode, Bytes: written, Err: err})
	}

	if err := e.media.Rename(part, name); err != nil {
		e.media.RemoveQuietly(part)
		return e.finish(taskID, Outcome{Status: Failed, Sound: sound, HTTPStatus: resp.StatusCode, Bytes: written, Err: err})
	}

	updated := sound
	updated.LocalFileName = name
	updated.Downloaded = true
	return e.finish(taskID, Outcome{Status: Done, Sound: updated, HTTPStatus: resp.StatusCode, Bytes: written})
}

// stream copies the body into part chunk by chunk, checking ctx between
// chunks.
func (e *Engine) stream(ctx, reqCtx context.Context, idle *time.Timer, resp *http.Response, sound model.Sound, part string, sink ProgressSink) (int64, error) {
	f, err := e.media.Create(part)
	if err != nil {
		return 0, err
	}

	total := resp.ContentLength
	buf := make([]byte, e.chunkSize)
	var written int64
	lastPercent := -1

	for {
		if err := ctx.Err(); err != nil {
			f.Close()
			return written, err
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			idle.Reset(e.readTimeout)
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return written, fmt.Errorf("failed to write %s: %w", part, werr)
			}
			written += int64(n)
			if total > 0 {
				if percent := int(written * 100 / total); percent != lastPercent {
					lastPercent = percent
					sink.OnProgress(sound, percent)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return written, causeOf(reqCtx, rerr)
		}
	}

	if err := f.Close(); err != nil {
		return written, fmt.Errorf("failed to close %s: %w", part, err)
	}
	if total > 0 && written != total {
		return written, fmt.Errorf("short body: got %d of %d bytes", written, total)
	}
	return written, nil
}

// PartName is the temporary file a transfer writes before renaming it to
// name. Each task gets its own, so transfers never share a part file.
func PartName(name, taskID string) string {
	return name + "." + taskID + partSuffix
}

func (e *Engine) finish(taskID string, out Outcome) Outcome {
	fields := []logger.Field{
		logger.String("taskId", taskID),
		logger.Int64("remoteId", out.Sound.RemoteID),
		logger.String("status", out.Status.String()),
		logger.Int("httpStatus", out.HTTPStatus),
		logger.Int64("bytes", out.Bytes),
	}
	switch out.Status {
	case Failed:
		logger.Warn("download failed", append(fields, logger.ErrorField(out.Err))...)
	default:
		logger.Info("download finished", fields...)
	}
	return out
}

func causeOf(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrStalled) {
		return fmt.Errorf("%w: %v", ErrStalled, err)
	}
	return err
}
