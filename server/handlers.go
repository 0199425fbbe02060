package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"soundsync/core/coordinator"
	"soundsync/core/remote"
	"soundsync/core/transfer"
	"soundsync/logger"
	"soundsync/model"

	"github.com/gorilla/mux"
)

// APIHandler serves the REST control surface over a Coordinator.
type APIHandler struct {
	coord   *coordinator.Coordinator
	guard   *transfer.Counter
	hub     *Hub
	workers int
}

// NewAPIHandler creates the handler. guard and hub may be nil.
func NewAPIHandler(coord *coordinator.Coordinator, guard *transfer.Counter, hub *Hub, workers int) *APIHandler {
	if workers <= 0 {
		workers = 2
	}
	return &APIHandler{coord: coord, guard: guard, hub: hub, workers: workers}
}

type errorResponse struct {
	Error  string `json:"error"`
	Result string `json:"result,omitempty"`
}

type downloadResponse struct {
	Result coordinator.DownloadResult `json:"result"`
	Sound  model.Sound                `json:"sound"`
}

type bulkResponse struct {
	coordinator.BulkResult
	Errors map[string]string `json:"errors,omitempty"`
}

type stateResponse struct {
	State           string `json:"state"`
	Sounds          int    `json:"sounds"`
	ActiveTransfers int    `json:"activeTransfers"`
	Clients         int    `json:"clients"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps the coordinator's error taxonomy to HTTP statuses.
func statusFor(err error) int {
	var (
		syncErr     *coordinator.SyncFailedError
		transferErr *coordinator.TransferFailedError
		deleteErr   *remote.DeleteError
		fetchErr    *remote.ChangeFetchError
	)
	switch {
	case errors.Is(err, coordinator.ErrInvalidPosition):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrNoConnectivity):
		return http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrTargetBusy):
		return http.StatusConflict
	case errors.As(err, &syncErr), errors.As(err, &transferErr),
		errors.As(err, &deleteErr), errors.As(err, &fetchErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func positionParam(r *http.Request) (int, bool) {
	pos, err := strconv.Atoi(mux.Vars(r)["position"])
	if err != nil || pos < 0 {
		return 0, false
	}
	return pos, true
}

// ListSoundsHandler returns the working set in position order.
func (h *APIHandler) ListSoundsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Sounds())
}

// StateHandler reports the sync state and live counters.
func (h *APIHandler) StateHandler(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		State:  h.coord.State().String(),
		Sounds: len(h.coord.Sounds()),
	}
	if h.guard != nil {
		resp.ActiveTransfers = h.guard.Active()
	}
	if h.hub != nil {
		resp.Clients = h.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncHandler runs one sync cycle.
func (h *APIHandler) SyncHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.coord.SyncWithServer(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DownloadHandler downloads or plays the sound at a position. The request
// itself is the user's confirmation. Dropping the connection cancels the
// transfer.
func (h *APIHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	pos, ok := positionParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid position"})
		return
	}
	sound, err := h.coord.Sound(pos)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.coord.DownloadSound(r.Context(), pos, nil)
	if err != nil {
		resp := errorResponse{Error: err.Error()}
		if result == coordinator.ResultFailed {
			resp.Result = result.String()
		}
		writeJSON(w, statusFor(err), resp)
		return
	}
	if result == coordinator.ResultDownloaded {
		if updated, err := h.coord.Sound(pos); err == nil && updated.ID == sound.ID {
			sound = updated
		}
	}
	writeJSON(w, http.StatusOK, downloadResponse{Result: result, Sound: sound})
}

// DeleteSoundHandler deletes one sound on the server and locally.
func (h *APIHandler) DeleteSoundHandler(w http.ResponseWriter, r *http.Request) {
	pos, ok := positionParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid position"})
		return
	}
	if err := h.coord.DeleteSound(r.Context(), pos); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAllHandler wipes the local catalog when ?confirm carries the token.
func (h *APIHandler) DeleteAllHandler(w http.ResponseWriter, r *http.Request) {
	ok, err := h.coord.DeleteAllSounds(r.Context(), r.URL.Query().Get("confirm"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "confirmation token mismatch"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadMissingHandler fetches every sound without a local file.
// ?workers overrides the configured concurrency.
func (h *APIHandler) DownloadMissingHandler(w http.ResponseWriter, r *http.Request) {
	workers := h.workers
	if v := r.URL.Query().Get("workers"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid workers"})
			return
		}
		workers = n
	}

	res, err := h.coord.DownloadMissing(r.Context(), workers)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := bulkResponse{BulkResult: res}
	if len(res.Errors) > 0 {
		resp.Errors = make(map[string]string, len(res.Errors))
		for id, e := range res.Errors {
			resp.Errors[strconv.FormatInt(id, 10)] = e.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
