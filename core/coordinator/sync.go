package coordinator

import (
	"context"
	"errors"
	"fmt"

	"soundsync/core/remote"
	"soundsync/logger"
	"soundsync/repository"

	"github.com/google/uuid"
)

// SyncResult summarises one sync cycle.
type SyncResult struct {
	Fetched    int   `json:"fetched"`
	Created    int   `json:"created"`
	Existing   int   `json:"existing"`
	Duplicates int   `json:"duplicates"`
	Previous   int64 `json:"previousWatermark"`
	Watermark  int64 `json:"watermark"`
}

// SyncWithServer pulls the changes since the watermark into the catalog,
// refreshes the working set and advances the watermark. Concurrent calls
// share a single cycle.
func (c *Coordinator) SyncWithServer(ctx context.Context) (SyncResult, error) {
	v, err, shared := c.syncs.Do("sync", func() (interface{}, error) {
		res, err := c.syncOnce(ctx)
		c.each(func(o Observer) { o.OnSyncOutcome(res, err) })
		return res, err
	})
	if shared {
		logger.Debug("joined running sync")
	}
	return v.(SyncResult), err
}

func (c *Coordinator) syncOnce(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	if !c.connectivity.Connected() {
		return res, ErrNoConnectivity
	}

	syncID := uuid.NewString()
	since, err := c.watermark.Get(ctx)
	if err != nil {
		return res, &SyncFailedError{Detail: "failed to read watermark", Err: err}
	}
	res.Previous = since
	res.Watermark = since

	// taken before the request so changes made during the fetch are not skipped
	startedAt := c.now().Unix()

	c.setState(FetchingChanges)
	changes, err := c.remote.FetchChanges(ctx, since)
	if err != nil {
		c.setState(FetchFailed)
		defer c.setState(Idle)

		status := 0
		var fetchErr *remote.ChangeFetchError
		if errors.As(err, &fetchErr) {
			status = fetchErr.Status
		}
		logger.Warn("sync failed while fetching changes",
			logger.String("syncId", syncID),
			logger.Int64("since", since),
			logger.ErrorField(err))
		return res, &SyncFailedError{Status: status, Detail: err.Error(), Err: err}
	}

	c.setState(ApplyingChanges)
	defer c.setState(Idle)
	res.Fetched = len(changes)

	for _, rs := range changes {
		exists, err := c.store.Exists(ctx, rs.ID)
		if err != nil {
			return res, &SyncFailedError{Detail: "failed to check catalog", Err: err}
		}
		if exists {
			res.Existing++
			continue
		}
		if _, err := c.store.Create(ctx, rs.ToSound()); err != nil {
			var constraintErr *repository.ConstraintError
			if errors.As(err, &constraintErr) {
				res.Duplicates++
				logger.Warn("skipping duplicate sound",
					logger.String("syncId", syncID),
					logger.Int64("remoteId", rs.ID),
					logger.ErrorField(err))
				continue
			}
			return res, &SyncFailedError{Detail: fmt.Sprintf("failed to store sound %d", rs.ID), Err: err}
		}
		res.Created++
	}

	if err := c.Refresh(ctx); err != nil {
		return res, &SyncFailedError{Detail: "failed to refresh working set", Err: err}
	}

	wm, err := c.watermark.Advance(ctx, startedAt)
	if err != nil {
		return res, &SyncFailedError{Detail: "failed to store watermark", Err: err}
	}
	res.Watermark = wm

	logger.Info("sync finished",
		logger.String("syncId", syncID),
		logger.Int("fetched", res.Fetched),
		logger.Int("created", res.Created),
		logger.Int("existing", res.Existing),
		logger.Int("duplicates", res.Duplicates),
		logger.Int64("watermark", wm))
	return res, nil
}
