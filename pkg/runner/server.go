package runner

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/apierr"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/log"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/metrics"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/wire"
)

// NewRouter builds the runner's chi router: run/kill/pause/resume for the
// coordinator plane, plus the ambient healthz/metrics endpoints every
// zerolog/prometheus-equipped service in this lineage exposes.
func NewRouter(r *Runner) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestMetrics)

	router.Post("/run", handle(func(req *http.Request) (interface{}, error) {
		var body wire.RunRequest
		if err := decode(req, &body); err != nil {
			return nil, err
		}
		return r.Run(req.Context(), body)
	}))

	router.Post("/kill", handle(func(req *http.Request) (interface{}, error) {
		var body wire.ControlRequest
		if err := decode(req, &body); err != nil {
			return nil, err
		}
		return r.Kill(req.Context(), body)
	}))

	router.Post("/pause", handle(func(req *http.Request) (interface{}, error) {
		var body wire.ControlRequest
		if err := decode(req, &body); err != nil {
			return nil, err
		}
		return r.Pause(req.Context(), body)
	}))

	router.Post("/resume", handle(func(req *http.Request) (interface{}, error) {
		var body wire.ControlRequest
		if err := decode(req, &body); err != nil {
			return nil, err
		}
		return r.Resume(req.Context(), body)
	}))

	router.Get("/healthz", metrics.ReadyHandler())
	router.Handle("/metrics", metrics.Handler())

	return router
}

func decode(req *http.Request, v interface{}) error {
	defer req.Body.Close()
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return apierr.New(apierr.Validation, "malformed request body")
	}
	return nil
}

// handle adapts a (decode, call, respond) handler into an http.HandlerFunc,
// translating apierr failures into the JSON error envelope.
func handle(fn func(*http.Request) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		result, err := fn(req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to encode response body")
	}
}

func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Wrap(apierr.Backend, "unexpected error", err)
	}
	writeJSON(w, apiErr.HTTPStatus(), wire.ErrorEnvelope{Kind: string(apiErr.ErrKind), Message: apiErr.Message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		next.ServeHTTP(rec, req)
		metrics.APIRequestsTotal.WithLabelValues(req.Method, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, req.Method)
	})
}
