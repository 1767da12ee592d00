package coordinator

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/apierr"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/log"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/metrics"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/wire"
)

// NewRouter builds the coordinator's chi router: the runner plane
// (register/heartbeat/update), the client plane (submit/status/list/kill/
// control/logs/environments/health), and the ambient healthz/metrics
// endpoints.
func NewRouter(c *Coordinator) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestMetrics)

	router.Route("/runner", func(r chi.Router) {
		r.Post("/register", handle(func(req *http.Request) (interface{}, error) {
			var body wire.RegisterRequest
			if err := decode(req, &body); err != nil {
				return nil, err
			}
			numa := make(map[string]model.NUMANode, len(body.NUMA))
			for id, n := range body.NUMA {
				numa[id] = model.NUMANode{CoreIDs: n.CoreIDs, MemoryBytes: n.MemoryBytes}
			}
			gpus := make([]model.GPU, len(body.GPUs))
			for i, g := range body.GPUs {
				gpus[i] = model.GPU{ID: g.ID, Name: g.Name, Driver: g.Driver, MemoryTotal: g.MemoryTotal}
			}
			if err := c.Register(RegisterArgs{
				Hostname:    body.Hostname,
				URL:         body.URL,
				TotalCores:  body.TotalCores,
				TotalMemory: body.TotalMemory,
				NUMA:        numa,
				GPUs:        gpus,
			}); err != nil {
				return nil, err
			}
			return wire.RegisterResponse{Accepted: true}, nil
		}))

		r.Post("/heartbeat", handle(func(req *http.Request) (interface{}, error) {
			var body wire.HeartbeatRequest
			if err := decode(req, &body); err != nil {
				return nil, err
			}
			running := make([]uint64, 0, len(body.RunningIDs))
			for _, s := range body.RunningIDs {
				id, err := wire.ParseTaskID(s)
				if err != nil {
					return nil, apierr.New(apierr.Validation, "malformed running task id: "+s)
				}
				running = append(running, id)
			}
			finalized := make([]FinalizedArgs, 0, len(body.Finalized))
			for _, f := range body.Finalized {
				id, err := wire.ParseTaskID(f.ID)
				if err != nil {
					return nil, apierr.New(apierr.Validation, "malformed finalized task id: "+f.ID)
				}
				finalized = append(finalized, FinalizedArgs{
					ID:       id,
					Status:   model.Status(f.Status),
					ExitCode: f.ExitCode,
					Error:    f.Error,
				})
			}
			if err := c.Heartbeat(HeartbeatArgs{
				Hostname: body.Hostname,
				Metrics: model.Metrics{
					Load1:          body.Metrics.Load1,
					Load5:          body.Metrics.Load5,
					Load15:         body.Metrics.Load15,
					MemoryUsed:     body.Metrics.MemoryUsed,
					MemoryTotal:    body.Metrics.MemoryTotal,
					GPUUtilization: body.Metrics.GPUUtilization,
				},
				RunningIDs: running,
				Finalized:  finalized,
			}); err != nil {
				return nil, err
			}
			return wire.HeartbeatResponse{Acknowledged: true}, nil
		}))

		r.Post("/update", handle(func(req *http.Request) (interface{}, error) {
			var body wire.UpdateRequest
			if err := decode(req, &body); err != nil {
				return nil, err
			}
			taskID, err := wire.ParseTaskID(body.TaskID)
			if err != nil {
				return nil, apierr.New(apierr.Validation, "malformed task id")
			}
			if err := c.Update(UpdateArgs{
				TaskID:      taskID,
				Status:      model.Status(body.Status),
				ExitCode:    body.ExitCode,
				Message:     body.Message,
				TunnelPort:  body.TunnelPort,
				StartedAt:   body.StartedAt,
				CompletedAt: body.CompletedAt,
			}); err != nil {
				return nil, err
			}
			return wire.UpdateResponse{Accepted: true}, nil
		}))
	})

	router.Route("/api", func(r chi.Router) {
		r.Post("/submit", handle(func(req *http.Request) (interface{}, error) {
			var body wire.SubmitRequest
			if err := decode(req, &body); err != nil {
				return nil, err
			}
			return submitHandler(c, body)
		}))

		r.Get("/tasks", handle(func(req *http.Request) (interface{}, error) {
			var (
				tasks []*model.Task
				err   error
			)
			if kind := req.URL.Query().Get("kind"); kind != "" {
				tasks, err = c.ListTasksByKind(model.TaskKind(kind))
			} else {
				tasks, err = c.ListTasks()
			}
			if err != nil {
				return nil, err
			}
			views := make([]wire.TaskView, len(tasks))
			for i, t := range tasks {
				views[i] = wire.TaskToView(t)
			}
			return views, nil
		}))

		r.Get("/tasks/{id}", handle(func(req *http.Request) (interface{}, error) {
			id, err := wire.ParseTaskID(chi.URLParam(req, "id"))
			if err != nil {
				return nil, apierr.New(apierr.Validation, "malformed task id")
			}
			task, err := c.GetTask(id)
			if err != nil {
				return nil, apierr.New(apierr.NotFound, "unknown task")
			}
			return wire.TaskToView(task), nil
		}))

		r.Post("/tasks/{id}/kill", handle(func(req *http.Request) (interface{}, error) {
			id, err := wire.ParseTaskID(chi.URLParam(req, "id"))
			if err != nil {
				return nil, apierr.New(apierr.Validation, "malformed task id")
			}
			if err := c.Kill(id); err != nil {
				return nil, err
			}
			return wire.ControlResponse{Accepted: true}, nil
		}))

		r.Post("/tasks/{id}/pause", handle(func(req *http.Request) (interface{}, error) {
			return controlHandler(c, req, "pause")
		}))

		r.Post("/tasks/{id}/resume", handle(func(req *http.Request) (interface{}, error) {
			return controlHandler(c, req, "resume")
		}))

		r.Get("/tasks/{id}/logs/{stream}", func(w http.ResponseWriter, req *http.Request) {
			id, err := wire.ParseTaskID(chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, apierr.New(apierr.Validation, "malformed task id"))
				return
			}
			path, err := c.logsPath(id, chi.URLParam(req, "stream"))
			if err != nil {
				writeError(w, err)
				return
			}
			f, err := os.Open(path)
			if err != nil {
				writeError(w, apierr.New(apierr.NotFound, "no log output yet"))
				return
			}
			defer f.Close()
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.Copy(w, f)
		})

		r.Get("/nodes", handle(func(req *http.Request) (interface{}, error) {
			nodes, err := c.ListNodes()
			if err != nil {
				return nil, err
			}
			views := make([]wire.NodeView, len(nodes))
			for i, n := range nodes {
				views[i] = wire.NodeToView(n)
			}
			return views, nil
		}))

		r.Get("/health", handle(func(req *http.Request) (interface{}, error) {
			nodes, err := c.ListHealth(req.URL.Query().Get("hostname"))
			if err != nil {
				return nil, err
			}
			views := make([]wire.NodeHealthView, len(nodes))
			for i, n := range nodes {
				views[i] = wire.NodeToHealthView(n)
			}
			return views, nil
		}))

		r.Route("/environments", func(r chi.Router) {
			r.Get("/", handle(func(req *http.Request) (interface{}, error) {
				return c.registry.List()
			}))
			r.Post("/{name}/prepare", handle(func(req *http.Request) (interface{}, error) {
				containerID, err := c.registry.CreatePreparation(req.Context(), chi.URLParam(req, "name"))
				if err != nil {
					return nil, err
				}
				return map[string]string{"container_id": containerID}, nil
			}))
			r.Post("/{name}/prepare/stop", handle(func(req *http.Request) (interface{}, error) {
				return nil, c.registry.StopPreparation(req.Context(), chi.URLParam(req, "name"))
			}))
			r.Post("/{name}/prepare/start", handle(func(req *http.Request) (interface{}, error) {
				return nil, c.registry.StartPreparation(req.Context(), chi.URLParam(req, "name"))
			}))
			r.Delete("/{name}/prepare", handle(func(req *http.Request) (interface{}, error) {
				return nil, c.registry.DeletePreparation(req.Context(), chi.URLParam(req, "name"))
			}))
			r.Post("/{name}/produce", handle(func(req *http.Request) (interface{}, error) {
				return nil, c.registry.Produce(req.Context(), chi.URLParam(req, "name"))
			}))
		})
	})

	router.Get("/healthz", metrics.ReadyHandler())
	router.Handle("/metrics", metrics.Handler())

	return router
}

func submitHandler(c *Coordinator, body wire.SubmitRequest) (interface{}, error) {
	targets := make([]model.Target, 0, len(body.Targets))
	for _, s := range body.Targets {
		t, err := model.ParseTarget(s)
		if err != nil {
			return nil, apierr.New(apierr.Validation, "malformed target: "+s)
		}
		targets = append(targets, t)
	}

	var command *model.CommandPayload
	if body.Command != nil {
		command = &model.CommandPayload{Executable: body.Command.Executable, Args: body.Command.Args, Env: body.Command.Env}
	}
	var vps *model.VPSPayload
	if body.VPS != nil {
		vps = &model.VPSPayload{AuthorizedKey: body.VPS.AuthorizedKey}
	}
	mounts := make([]model.Mount, len(body.Mounts))
	for i, m := range body.Mounts {
		mounts[i] = model.Mount{HostPath: m.HostPath, ContainerPath: m.ContainerPath, ReadOnly: m.ReadOnly}
	}

	batchID, results, err := c.Submit(SubmitArgs{
		Kind:        model.TaskKind(body.Kind),
		Targets:     targets,
		Command:     command,
		VPS:         vps,
		Resources:   model.ResourceRequest{Cores: body.Cores, MemoryByte: body.MemoryBytes, GPUIDs: body.GPUIDs},
		Environment: body.Environment,
		Privileged:  body.Privileged,
		Mounts:      mounts,
	})
	if err != nil {
		return nil, err
	}

	entries := make([]wire.SubmitResultEntry, len(results))
	for i, res := range results {
		entry := wire.SubmitResultEntry{Target: res.Target, Error: res.Error}
		if res.TaskID != 0 {
			entry.TaskID = wire.TaskID(res.TaskID)
		}
		entries[i] = entry
	}
	resp := wire.SubmitResponse{Tasks: entries}
	if batchID != 0 {
		resp.BatchID = wire.TaskID(batchID)
	}
	return resp, nil
}

func controlHandler(c *Coordinator, req *http.Request, action string) (interface{}, error) {
	id, err := wire.ParseTaskID(chi.URLParam(req, "id"))
	if err != nil {
		return nil, apierr.New(apierr.Validation, "malformed task id")
	}
	if err := c.Control(id, action); err != nil {
		return nil, err
	}
	return wire.ControlResponse{Accepted: true}, nil
}

func decode(req *http.Request, v interface{}) error {
	defer req.Body.Close()
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return apierr.New(apierr.Validation, "malformed request body")
	}
	return nil
}

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
	if body == nil {
		return
	}
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
