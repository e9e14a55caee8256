package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/olahol/melody"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errspkg "github.com/drblury/peerwire/internal/runtime/errors"
	"github.com/drblury/peerwire/internal/runtime/logging"
	"github.com/drblury/peerwire/transport"
)

// apiError is rendered as {"code":..,"error":..} with its code as status.
type apiError struct {
	error
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *apiError) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.Code)
	return nil
}

func newAPIError(code int, message string, cause error) *apiError {
	if cause == nil {
		cause = errors.New(message)
	}
	return &apiError{error: cause, Code: code, Message: message}
}

func notFound(message string) *apiError {
	return newAPIError(http.StatusNotFound, message, nil)
}

func badRequest(message string, cause error) *apiError {
	return newAPIError(http.StatusBadRequest, message, cause)
}

type handlerWithErr func(http.ResponseWriter, *http.Request) *apiError

type router struct {
	*chi.Mux
	logger logging.ServiceLogger
}

func (rt *router) handle(fn handlerWithErr) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			_ = render.Render(w, r, err)
			rt.logger.Debug("Request failed", logging.LogFields{
				"path":   r.URL.Path,
				"status": err.Code,
				"error":  err.Error(),
			})
		}
	}
}

// BackplaneInfo describes the backplane and the topics it is fed for.
type BackplaneInfo struct {
	Capabilities transport.Capabilities `json:"capabilities"`
	Feeds        []string               `json:"feeds"`
	Dedup        bool                   `json:"dedup"`
}

// Handler returns the hub's HTTP surface: the websocket route, the JSON
// API, the health check and, when enabled, the metrics endpoint.
func (h *Hub) Handler() http.Handler { return h.router }

func (h *Hub) newRouter() http.Handler {
	rt := &router{Mux: chi.NewMux(), logger: h.logger}
	rt.Use(middleware.Recoverer)

	rt.Get(h.hubPath(), func(w http.ResponseWriter, r *http.Request) {
		if err := h.melody.HandleRequest(w, r); err != nil && !errors.Is(err, melody.ErrClosed) {
			h.logger.Debug("Websocket upgrade failed", logging.LogFields{"error": err.Error()})
		}
	})
	rt.Get("/_healthz", func(w http.ResponseWriter, r *http.Request) {
		if h.isClosed() {
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]string{"status": "closed"})
			return
		}
		render.JSON(w, r, map[string]string{"status": "ok"})
	})

	rt.Route("/api", func(r chi.Router) {
		r.Use(h.cors)
		r.Get("/sessions", rt.handle(h.listSessions))
		r.Get("/sessions/{id}", rt.handle(h.getSession))
		r.Delete("/sessions/{id}", rt.handle(h.deleteSession))
		r.Get("/topics", rt.handle(h.listTopics))
		r.Post("/topics/{topic}", rt.handle(h.publishTopic))
		r.Get("/backplane", rt.handle(h.backplaneInfo))
		r.Get("/stats", rt.handle(h.stats))
	})

	if h.gather != nil {
		rt.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gather, promhttp.HandlerOpts{}))
	}
	return rt
}

func (h *Hub) hubPath() string {
	if h.cfg.HubPath == "" {
		return "/ws"
	}
	return h.cfg.HubPath
}

// cors answers preflight requests and sets the allowed origin on API
// responses.
func (h *Hub) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if allowed := h.allowedOrigin(origin); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when it is not allowed.
func (h *Hub) allowedOrigin(origin string) string {
	for _, allowed := range h.cfg.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

func (h *Hub) listSessions(w http.ResponseWriter, r *http.Request) *apiError {
	ids := h.Sessions()
	out := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		if s, ok := h.Session(id); ok {
			out = append(out, h.info(s))
		}
	}
	render.JSON(w, r, out)
	return nil
}

func (h *Hub) getSession(w http.ResponseWriter, r *http.Request) *apiError {
	id := chi.URLParam(r, "id")
	s, ok := h.Session(id)
	if !ok {
		return notFound(fmt.Sprintf("session %s not found", id))
	}
	render.JSON(w, r, h.info(s))
	return nil
}

func (h *Hub) deleteSession(w http.ResponseWriter, r *http.Request) *apiError {
	id := chi.URLParam(r, "id")
	if _, ok := h.Session(id); !ok {
		return notFound(fmt.Sprintf("session %s not found", id))
	}
	if err := h.CloseSession(id); err != nil && !errors.Is(err, errspkg.ErrClosed) {
		return newAPIError(http.StatusInternalServerError, "internal server error", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Hub) listTopics(w http.ResponseWriter, r *http.Request) *apiError {
	render.JSON(w, r, h.TopicInfos())
	return nil
}

// publishTopic publishes the JSON request body on the topic named in the
// path.
func (h *Hub) publishTopic(w http.ResponseWriter, r *http.Request) *apiError {
	topic := chi.URLParam(r, "topic")
	var body io.Reader = r.Body
	if h.cfg.MaxMessageSize > 0 {
		body = io.LimitReader(r.Body, h.cfg.MaxMessageSize+1)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return badRequest("cannot read body", err)
	}
	if h.cfg.MaxMessageSize > 0 && int64(len(raw)) > h.cfg.MaxMessageSize {
		return newAPIError(http.StatusRequestEntityTooLarge, "payload too large", nil)
	}
	if len(raw) > 0 && !json.Valid(raw) {
		return badRequest("body must be JSON", errspkg.ErrSerialization)
	}
	var payload any
	if len(raw) > 0 {
		payload = json.RawMessage(raw)
	}
	if err := h.Publish(r.Context(), topic, payload, false); err != nil {
		switch {
		case errors.Is(err, errspkg.ErrClosed):
			return newAPIError(http.StatusServiceUnavailable, "hub closed", err)
		case errspkg.IsTransport(err):
			return newAPIError(http.StatusBadGateway, "backplane publish failed", err)
		default:
			return badRequest(err.Error(), err)
		}
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (h *Hub) backplaneInfo(w http.ResponseWriter, r *http.Request) *apiError {
	render.JSON(w, r, BackplaneInfo{
		Capabilities: h.caps,
		Feeds:        h.Feeds(),
		Dedup:        h.seen != nil,
	})
	return nil
}

func (h *Hub) stats(w http.ResponseWriter, r *http.Request) *apiError {
	render.JSON(w, r, h.metrics.GetSnapshot())
	return nil
}

// Feeds lists the topics with a running backplane subscription.
func (h *Hub) Feeds() []string {
	h.feedMu.Lock()
	out := make([]string, 0, len(h.feeds))
	for topic := range h.feeds {
		out = append(out, topic)
	}
	h.feedMu.Unlock()
	sort.Strings(out)
	return out
}
