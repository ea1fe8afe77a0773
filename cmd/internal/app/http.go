package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/engine"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/msgsync"
	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/realtime"
)

// syncAPI is the slice of the engine the HTTP layer calls.
type syncAPI interface {
	SetActive(ctx context.Context, address string) error
	SendText(ctx context.Context, address, body string) (msgsync.Message, error)
}

// routerDeps carries everything the admin API reads or drives.
type routerDeps struct {
	store          *msgsync.Store
	sync           syncAPI
	connState      func() realtime.StateSnapshot
	upstreamStatus func() string
	gatewayPing    func(context.Context) error
	metricsHandler http.Handler
}

// newRouter builds the console's admin API.
func newRouter(log Logger, cfg Config, deps routerDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, log) })
	r.Use(func(next http.Handler) http.Handler { return WithCORS(next, cfg, log) })
	r.Use(WithSecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if cfg.ReadinessRequireGateway && deps.gatewayPing != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := deps.gatewayPing(ctx); err != nil {
				log.Info("readyz.gateway.not_ready", "err", err)
				http.Error(w, "gateway not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if deps.metricsHandler != nil {
		r.Handle("/metrics", deps.metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, buildStatus(deps))
		})

		r.Get("/conversations", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, deps.store.Summaries())
		})

		r.Get("/conversations/{key}", func(w http.ResponseWriter, req *http.Request) {
			conv, ok := deps.store.Conversation(chi.URLParam(req, "key"))
			if !ok {
				writeError(w, http.StatusNotFound, "unknown conversation")
				return
			}
			writeJSON(w, http.StatusOK, conv)
		})

		r.Post("/conversations/{key}/read", func(w http.ResponseWriter, req *http.Request) {
			if err := deps.store.MarkRead(req.Context(), chi.URLParam(req, "key")); err != nil {
				writeError(w, httpStatusFor(err), err.Error())
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/conversations/{key}/active", func(w http.ResponseWriter, req *http.Request) {
			if err := deps.sync.SetActive(req.Context(), chi.URLParam(req, "key")); err != nil {
				writeError(w, httpStatusFor(err), err.Error())
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/messages", func(w http.ResponseWriter, req *http.Request) {
			var in sendRequest
			if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}

			msg, err := deps.sync.SendText(req.Context(), in.Address, in.Body)
			if err != nil {
				if isBadSendInput(err) {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				// The provisional message is already committed; report
				// both it and the gateway failure.
				writeJSON(w, http.StatusBadGateway, sendResponse{Message: msg, Error: err.Error()})
				return
			}
			writeJSON(w, http.StatusCreated, sendResponse{Message: msg})
		})
	})

	return r
}

type sendRequest struct {
	Address string `json:"address"`
	Body    string `json:"body"`
}

type sendResponse struct {
	Message msgsync.Message `json:"message"`
	Error   string          `json:"error,omitempty"`
}

type statusPayload struct {
	State              string     `json:"state"`
	Attempt            int        `json:"attempt"`
	QueuedFrames       int        `json:"queued_frames"`
	LastFrameAt        *time.Time `json:"last_frame_at,omitempty"`
	ActiveConversation string     `json:"active_conversation,omitempty"`
	UpstreamStatus     string     `json:"upstream_status,omitempty"`
}

func buildStatus(deps routerDeps) statusPayload {
	snap := deps.connState()
	p := statusPayload{
		State:              string(snap.State),
		Attempt:            snap.Attempt,
		QueuedFrames:       snap.Queued,
		ActiveConversation: deps.store.ActiveKey(),
	}
	if !snap.LastFrame.IsZero() {
		t := snap.LastFrame
		p.LastFrameAt = &t
	}
	if deps.upstreamStatus != nil {
		p.UpstreamStatus = deps.upstreamStatus()
	}
	return p
}

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, msgsync.ErrNoConversationKey):
		return http.StatusBadRequest
	case errors.Is(err, msgsync.ErrUnknownConversation):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func isBadSendInput(err error) bool {
	return errors.Is(err, msgsync.ErrNoConversationKey) ||
		errors.Is(err, engine.ErrEmptyBody)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
