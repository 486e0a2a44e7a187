package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/telemetry"
	"github.com/italolelis/transferd/internal/transfer"
)

const maxMessageSize = 64 * 1024

// Enqueuer accepts new transfers and lists the known ones.
type Enqueuer interface {
	Add(ctx context.Context, req transfer.AddRequest) (transfer.Record, error)
	List(ctx context.Context) ([]transfer.Record, error)
}

// AppOpener brings the desktop UI to the front.
type AppOpener interface {
	OpenApp(ctx context.Context) error
}

// ControlConfig configures the control plane handler.
type ControlConfig struct {
	// SaveDir is where transfers enqueued through the control plane are saved.
	SaveDir string
	// AllowedOrigins lists the Origin values accepted on WebSocket upgrades.
	// A trailing "*" matches by prefix. Requests without an Origin are always accepted.
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
	Qualities      QualityLister
	Opener         AppOpener
}

// ControlHandler serves the local control plane used by the browser extension
// and the desktop UI.
type ControlHandler struct {
	enqueuer  Enqueuer
	cfg       ControlConfig
	telemetry *telemetry.Telemetry
	upgrader  websocket.Upgrader
}

// NewControlHandler creates a new control plane handler.
func NewControlHandler(enqueuer Enqueuer, cfg ControlConfig, t *telemetry.Telemetry) *ControlHandler {
	if cfg.Qualities == nil {
		cfg.Qualities = DefaultQualities
	}

	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}

	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}

	h := &ControlHandler{
		enqueuer:  enqueuer,
		cfg:       cfg,
		telemetry: t,
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: handshakeTimeout,
		CheckOrigin:      h.checkOrigin,
	}

	return h
}

func (h *ControlHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(LoopbackOnly)

	r.Get("/ws", h.HandleWebSocket)
	r.Post("/message", h.HandleMessage)
	r.Get("/downloads", h.HandleDownloads)
	r.Get("/healthz", h.HandleHealth)

	return r
}

// HandleMessage answers one message with one reply. extractQualities answers
// with two newline delimited frames, extractionStarted first and the quality
// list once extraction is done, flushed one at a time.
func (h *ControlHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageSize)).Decode(&msg); err != nil {
		logger.Error("failed to decode message", "err", err)
		writeJSON(r.Context(), w, http.StatusBadRequest, errorReply("invalid message: %v", err))

		return
	}

	if msg.Type != TypeExtractQualities {
		writeJSON(r.Context(), w, http.StatusOK, h.handle(r.Context(), msg))

		return
	}

	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	if err := enc.Encode(ExtractionStarted{Type: TypeExtractionStarted, RequestID: msg.RequestID}); err != nil {
		logger.Error("failed to encode response", "err", err)

		return
	}

	if err := http.NewResponseController(w).Flush(); err != nil {
		logger.Debug("response does not support flushing", "err", err)
	}

	if err := enc.Encode(h.handle(r.Context(), msg)); err != nil {
		logger.Error("failed to encode response", "err", err)
	}
}

// HandleDownloads lists every record.
func (h *ControlHandler) HandleDownloads(w http.ResponseWriter, r *http.Request) {
	recs, err := h.enqueuer.List(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to list records", "err", err)
		writeJSON(r.Context(), w, http.StatusServiceUnavailable, errorReply("failed to list records"))

		return
	}

	if recs == nil {
		recs = []transfer.Record{}
	}

	writeJSON(r.Context(), w, http.StatusOK, recs)
}

func (h *ControlHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

// handle dispatches one message and returns the reply to send back.
func (h *ControlHandler) handle(ctx context.Context, msg Message) any {
	var reply any

	_ = h.telemetry.InstrumentControlMessage(ctx, metricType(msg.Type), func(ctx context.Context) error {
		var err error
		reply, err = h.dispatch(ctx, msg)

		return err
	})

	return reply
}

func (h *ControlHandler) dispatch(ctx context.Context, msg Message) (any, error) {
	logger := logctx.LoggerFromContext(ctx)

	switch msg.Type {
	case TypePing:
		return Pong{Type: TypePong}, nil
	case TypeDownload, TypeDownloadYouTube, TypeVideoCapture:
		req, err := addRequest(msg, h.cfg.SaveDir)
		if err != nil {
			return ack(msg.Type, "", err), err
		}

		rec, err := h.enqueuer.Add(ctx, req)
		if err != nil {
			logger.Warn("failed to enqueue transfer", "type", msg.Type, "url", req.URL, "err", err)

			return ack(msg.Type, "", err), err
		}

		logger.Info("transfer enqueued", "type", msg.Type, "record_id", rec.ID, "kind", rec.Kind, "file_name", rec.FileName)

		return ack(msg.Type, rec.ID, nil), nil
	case TypeOpenApp:
		if h.cfg.Opener == nil {
			return ack(msg.Type, "", nil), nil
		}

		err := h.cfg.Opener.OpenApp(ctx)
		if err != nil {
			logger.Warn("failed to open app", "err", err)
		}

		return ack(msg.Type, "", err), err
	case TypeExtractQualities:
		return h.qualities(ctx, msg)
	}

	err := fmt.Errorf("unknown message type %q", msg.Type)

	return errorReply("%v", err), err
}

func (h *ControlHandler) qualities(ctx context.Context, msg Message) (any, error) {
	if msg.URL == "" {
		err := &transfer.ProtocolError{Reason: "missing url"}

		return errorReply("%s", err.Reason), err
	}

	qs, err := h.cfg.Qualities.Qualities(ctx, msg.URL)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to extract qualities", "url", msg.URL, "err", err)

		return errorReply("failed to extract qualities: %v", err), err
	}

	return Qualities{Type: TypeQualities, RequestID: msg.RequestID, Qualities: qs}, nil
}

func metricType(t string) string {
	known := []string{TypeDownload, TypeOpenApp, TypeExtractQualities, TypeDownloadYouTube, TypeVideoCapture, TypePing}
	if slices.Contains(known, t) {
		return t
	}

	return "unknown"
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}
