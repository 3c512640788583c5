package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/example/inventory-ledger/internal/command"
	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/example/inventory-ledger/internal/query"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

type Handlers struct {
	cmdHandler   *command.Handler
	queryHandler *query.Handler
	log          *logrus.Entry
}

func NewHandlers(cmdHandler *command.Handler, queryHandler *query.Handler, log *logrus.Entry) *Handlers {
	return &Handlers{
		cmdHandler:   cmdHandler,
		queryHandler: queryHandler,
		log:          log.WithField("component", "api"),
	}
}

// Event Handlers

func (h *Handlers) SubmitSync(w http.ResponseWriter, r *http.Request) {
	cmd, ok := h.readCommand(w, r)
	if !ok {
		return
	}

	ev, err := h.cmdHandler.SubmitSync(r.Context(), cmd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (h *Handlers) SubmitAsync(w http.ResponseWriter, r *http.Request) {
	cmd, ok := h.readCommand(w, r)
	if !ok {
		return
	}

	ev, err := h.cmdHandler.SubmitAsync(r.Context(), cmd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ev)
}

// Snapshot Handlers

func (h *Handlers) GetAsyncSnapshot(w http.ResponseWriter, r *http.Request) {
	pending, _ := strconv.ParseBool(r.URL.Query().Get("pending"))

	snap, err := h.queryHandler.GetAsyncSnapshot(r.Context(), r.PathValue("partitionKey"), pending)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) GetSyncSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.queryHandler.GetSyncSnapshot(r.Context(), r.PathValue("partitionKey"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) readCommand(w http.ResponseWriter, r *http.Request) (command.SubmitEvent, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondErrorMessage(w, http.StatusBadRequest, err.Error())
		return command.SubmitEvent{}, false
	}
	return command.SubmitEvent{Payload: body}, true
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	respondErrorMessage(w, status, err.Error())
}

// statusFor maps domain errors to HTTP status codes. Anything unrecognized
// is a store failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, inventory.ErrInvalidPayload),
		errors.Is(err, inventory.ErrInsufficientInventory):
		return http.StatusBadRequest
	case errors.Is(err, inventory.ErrUnknownPartition):
		return http.StatusNotFound
	case errors.Is(err, inventory.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondErrorMessage(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
