package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

// PositionReader lists tracked positions.
type PositionReader interface {
	ListActive() []domain.Position
	ListClosed() []domain.ClosedPosition
	Get(asset string) (domain.Position, bool)
}

// PositionOpener opens positions.
type PositionOpener interface {
	Open(ctx context.Context, req domain.OpenRequest) (domain.Position, error)
}

// ExitRequester queues out-of-band exits and reports the queued one.
type ExitRequester interface {
	RequestExit(ctx context.Context, req domain.ExitRequest) error
	Pending(asset string) (domain.ExitRequest, bool)
}

// positionView is an active position with its queued exit, if any.
type positionView struct {
	domain.Position
	PendingExit *domain.ExitRequest `json:"pending_exit,omitempty"`
}

// PositionHandler serves the position endpoints.
type PositionHandler struct {
	reader PositionReader
	opener PositionOpener
	exits  ExitRequester
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(reader PositionReader, opener PositionOpener, exits ExitRequester, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		reader: reader,
		opener: opener,
		exits:  exits,
		logger: logger.With(slog.String("handler", "positions")),
	}
}

// ListPositions returns the active positions.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"positions": h.reader.ListActive()})
}

// GetPosition returns one active position and the exit queued for it.
// GET /api/positions/{asset}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	asset := r.PathValue("asset")
	pos, ok := h.reader.Get(asset)
	if !ok {
		writeError(w, http.StatusNotFound, "no active position for "+asset)
		return
	}
	view := positionView{Position: pos}
	if req, queued := h.exits.Pending(asset); queued {
		view.PendingExit = &req
	}
	writeJSON(w, http.StatusOK, view)
}

// ListClosed returns the closed position records.
// GET /api/positions/closed
func (h *PositionHandler) ListClosed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"positions": h.reader.ListClosed()})
}

// OpenPosition opens a position from an OpenRequest body.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeDomainError(w, err)
		return
	}
	pos, err := h.opener.Open(r.Context(), req)
	if err != nil {
		h.logger.WarnContext(r.Context(), "open position rejected",
			slog.String("asset", req.Asset),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

type exitBody struct {
	Reason   string  `json:"reason"`
	Fraction float64 `json:"fraction"`
}

// RequestExit queues an exit for the next cycle. The body is optional and
// defaults to a full MANUAL_EXIT.
// POST /api/positions/{asset}/exit
func (h *PositionHandler) RequestExit(w http.ResponseWriter, r *http.Request) {
	var body exitBody
	if err := decodeJSON(r, &body, true); err != nil {
		writeDomainError(w, err)
		return
	}

	req := domain.ExitRequest{Asset: r.PathValue("asset"), Fraction: body.Fraction}
	if body.Reason != "" {
		reason, err := domain.ParseExitReason(body.Reason)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		req.Reason = reason
	}

	if err := h.exits.RequestExit(r.Context(), req); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "queued",
		"asset":  req.Asset,
	})
}
