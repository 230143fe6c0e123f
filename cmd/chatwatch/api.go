package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/chatwatch"
	"github.com/hazyhaar/chatwatch/connectivity"
	"github.com/hazyhaar/chatwatch/shield"
)

const callTimeout = 30 * time.Second

// newRouter builds the control API. ctx bounds the rate limiter janitor.
func newRouter(ctx context.Context, logger *slog.Logger, e *chatwatch.Engine, hc chatwatch.HTTPConfig) http.Handler {
	rl := shield.NewRateLimiter(hc.RateLimit, hc.Burst, "/health")
	rl.StartJanitor(ctx)

	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(rl) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok", "version": version})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			v, err := e.Status(r.Context())
			reply(w, v, err)
		})
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			v, err := e.Metrics(r.Context())
			reply(w, v, err)
		})
		r.Get("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
			v, err := e.Diagnostics(r.Context())
			reply(w, v, err)
		})

		r.Post("/monitoring/start", control(e, e.StartMonitoring))
		r.Post("/monitoring/stop", control(e, e.StopMonitoring))
		r.Post("/rediscover", control(e, e.Rediscover))

		r.Route("/presence", func(r chi.Router) {
			r.Post("/start", func(w http.ResponseWriter, r *http.Request) {
				v, err := e.StartPresence(r.Context())
				reply(w, v, err)
			})
			r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
				v, err := e.StopPresence(r.Context())
				reply(w, v, err)
			})
			r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
				st, err := e.Status(r.Context())
				if err != nil {
					writeError(w, statusFor(err), err)
					return
				}
				writeJSON(w, 200, st.Presence.Config)
			})
			r.Patch("/config", func(w http.ResponseWriter, r *http.Request) {
				var patch chatwatch.PresencePatch
				if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
					writeError(w, 400, err)
					return
				}
				v, err := e.UpdatePresenceConfig(r.Context(), patch)
				reply(w, v, err)
			})
			r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
				id := r.URL.Query().Get("conversation_id")
				v, err := e.PresenceHistory(r.Context(), id, queryInt(r, "limit", 50))
				reply(w, v, err)
			})
		})

		// Generic bridge to the connectivity services, for callers that
		// already speak service names.
		conn := connectivity.New(connectivity.WithMiddleware(
			connectivity.Logging(logger),
			connectivity.Recovery(logger),
			connectivity.Timeout(callTimeout),
		))
		e.RegisterConnectivity(conn)
		r.Post("/call/{service}", func(w http.ResponseWriter, r *http.Request) {
			payload, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, 400, err)
				return
			}
			resp, err := conn.Call(r.Context(), chi.URLParam(r, "service"), payload)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(200)
			w.Write(resp)
		})
	})

	if hc.MCP {
		srv := mcp.NewServer(&mcp.Implementation{Name: "chatwatch", Version: version}, nil)
		e.RegisterMCP(srv)
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
	}
	return r
}

// control adapts an engine command; the reply is the resulting status.
func control(e *chatwatch.Engine, fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		v, err := e.Status(r.Context())
		reply(w, v, err)
	}
}

// reply writes v, or err with its status code.
func reply(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, 200, v)
}

func statusFor(err error) int {
	var notFound *connectivity.ErrServiceNotFound
	var badPayload *connectivity.ErrBadPayload
	switch {
	case errors.Is(err, chatwatch.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, chatwatch.ErrNoStore), errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &badPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
