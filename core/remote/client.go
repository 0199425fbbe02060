package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"soundsync/config"
	"soundsync/logger"
	"soundsync/model"

	"github.com/google/uuid"
)

const userAgent = "soundsync/1.0"

// maxBodyBytes bounds how much of a response body is buffered.
const maxBodyBytes = 8 << 20

// NewHTTPClient builds an http.Client with a dial timeout and a
// response-header timeout. The overall request has no deadline so long
// bodies can stream.
func NewHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Client talks to the remote sound catalog.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a Client for cfg.APIBase().
func NewClient(cfg *config.Config) *Client {
	return NewClientWithHTTP(cfg.APIBase(), NewHTTPClient(cfg.ConnectTimeout, cfg.ReadTimeout))
}

// NewClientWithHTTP creates a Client for base using hc.
func NewClientWithHTTP(base string, hc *http.Client) *Client {
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// Base returns the versioned API root.
func (c *Client) Base() string {
	return c.base
}

// FetchChanges returns the sounds created or updated since the given epoch
// second. The request is made once and never retried.
func (c *Client) FetchChanges(ctx context.Context, since int64) ([]model.RemoteSound, error) {
	url := c.base + "/sound/changes/" + strconv.FormatInt(since, 10)
	reqID := uuid.NewString()

	status, body, err := c.do(ctx, http.MethodGet, url, reqID)
	if err != nil {
		logger.Warn("change fetch failed",
			logger.String("requestId", reqID),
			logger.String("url", url),
			logger.ErrorField(err))
		return nil, &ChangeFetchError{Status: status, Body: string(body), Err: err}
	}
	if status >= http.StatusMultipleChoices {
		logger.Warn("change fetch rejected",
			logger.String("requestId", reqID),
			logger.Int("status", status))
		return nil, &ChangeFetchError{Status: status, Body: string(body)}
	}

	sounds := make([]model.RemoteSound, 0)
	if err := json.Unmarshal(body, &sounds); err != nil {
		return nil, &ChangeFetchError{Status: status, Body: string(body), Err: fmt.Errorf("failed to decode changes: %w", err)}
	}
	logger.Info("changes fetched",
		logger.String("requestId", reqID),
		logger.Int64("since", since),
		logger.Int("count", len(sounds)))
	return sounds, nil
}

// DeleteRemote deletes the sound from the remote catalog. The remote
// acknowledges a delete with a non-empty body.
func (c *Client) DeleteRemote(ctx context.Context, sound model.Sound) error {
	url := c.base + "/sound/" + strconv.FormatInt(sound.RemoteID, 10)
	reqID := uuid.NewString()

	status, body, err := c.do(ctx, http.MethodDelete, url, reqID)
	if err != nil {
		logger.Warn("remote delete failed",
			logger.String("requestId", reqID),
			logger.Int64("remoteId", sound.RemoteID),
			logger.ErrorField(err))
		return &DeleteError{Status: status, Err: err}
	}
	if status >= http.StatusBadRequest {
		return &DeleteError{Status: status}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return &DeleteError{Status: status, Err: ErrEmptyBody}
	}
	logger.Info("sound deleted remotely",
		logger.String("requestId", reqID),
		logger.Int64("remoteId", sound.RemoteID),
		logger.Int("status", status))
	return nil
}

// do performs a body-less request and reads the whole response.
func (c *Client) do(ctx context.Context, method, url, reqID string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", reqID)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, body, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}
