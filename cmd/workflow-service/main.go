// Command workflow-service is a thin loopback HTTP bootstrap over the
// core: it is not the facade (no auth, multi-tenant routing, or queueing
// of the kind a production gateway owns) — only enough to exercise
// Validate and Execute during local development, and to answer
// health/readiness probes the way a sidecar would expect.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/zapr"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/jordigilh/workflowcore/internal/config"
	wferrors "github.com/jordigilh/workflowcore/internal/errors"
	"github.com/jordigilh/workflowcore/internal/retrycounter"
	"github.com/jordigilh/workflowcore/pkg/executor"
	"github.com/jordigilh/workflowcore/pkg/orchestrator"
	"github.com/jordigilh/workflowcore/pkg/repository"
	wfvalidator "github.com/jordigilh/workflowcore/pkg/validator"
	"github.com/jordigilh/workflowcore/pkg/workflow"
)

// staticRegistry resolves taskRefs from TaskDefinition YAML files loaded
// once at startup from a directory. A production facade would back this
// with the Contract & Lifecycle Engine's deployment-aware lookup instead.
type staticRegistry struct {
	tasks map[string]*workflow.TaskDefinition
}

func loadStaticRegistry(dir string) (*staticRegistry, error) {
	reg := &staticRegistry{tasks: map[string]*workflow.TaskDefinition{}}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading task definition %s: %w", entry.Name(), err)
		}
		var def workflow.TaskDefinition
		if err := yaml.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("parsing task definition %s: %w", entry.Name(), err)
		}
		reg.tasks[def.Name] = &def
	}
	return reg, nil
}

func (r *staticRegistry) Get(taskRef string) (*workflow.TaskDefinition, bool) {
	def, ok := r.tasks[taskRef]
	return def, ok
}

type server struct {
	orch     *orchestrator.Orchestrator
	registry *staticRegistry
	policy   *wfvalidator.Policy
	repo     *repository.ExecutionRepository
	reqValid *validator.Validate
	log      *zap.Logger
}

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	cfgPath := os.Getenv("WORKFLOWCORE_CONFIG")
	if cfgPath == "" {
		cfgPath = "./config.yaml"
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Warn("using default config, no config file loaded", zap.Error(err))
		cfg = nil
	}

	tasksDir := os.Getenv("WORKFLOWCORE_TASKS_DIR")
	if tasksDir == "" {
		tasksDir = "./tasks"
	}
	registry, err := loadStaticRegistry(tasksDir)
	if err != nil {
		log.Fatal("loading task registry", zap.Error(err))
	}

	storage := workflow.NewResponseStorage(os.TempDir())

	var execOpts []executor.Option
	if cfg != nil && cfg.RetryCounter.Address != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RetryCounter.Address, DB: cfg.RetryCounter.DB})
		execOpts = append(execOpts, executor.WithRetryCounter(retrycounter.New(redisClient, 0)))
	}
	exec := executor.New(executor.DefaultConfig(), storage, zapr.NewLogger(log), execOpts...)
	orch := orchestrator.New(registry, exec, zapr.NewLogger(log), orchestrator.DefaultConfig())

	var policy *wfvalidator.Policy
	if cfg != nil && cfg.Validation.RegoPolicyConfigMap != "" {
		module, err := os.ReadFile(cfg.Validation.RegoPolicyConfigMap)
		if err != nil {
			log.Warn("reading rego policy file, validation policy disabled", zap.Error(err))
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			policy, err = wfvalidator.CompilePolicy(ctx, string(module), cfg.Validation.StrictMode)
			cancel()
			if err != nil {
				log.Warn("compiling validation policy, validation policy disabled", zap.Error(err))
				policy = nil
			}
		}
	}

	var repo *repository.ExecutionRepository
	if cfg != nil && cfg.Repository.DSN != "" {
		if db, err := repository.OpenDSN(cfg.Repository.DSN, cfg.Repository.MaxOpenConns); err != nil {
			log.Warn("connecting to execution repository, persistence disabled", zap.Error(err))
		} else {
			repo = db
			defer repo.Close()
		}
	}

	srv := &server{
		orch:     orch,
		registry: registry,
		policy:   policy,
		repo:     repo,
		reqValid: validator.New(),
		log:      log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))

	r.Get("/healthz", srv.handleHealthz)
	r.Get("/readyz", srv.handleReadyz)
	r.Post("/v1/validate", srv.handleValidate)
	r.Post("/v1/execute", srv.handleExecute)
	r.Get("/v1/executions/{executionId}", srv.handleGetTrace)

	addr := os.Getenv("WORKFLOWCORE_LISTEN_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8090"
	}

	httpSrv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Info("listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server exited", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

type validateRequest struct {
	Spec workflow.WorkflowSpec `json:"spec" validate:"required"`
}

func (s *server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, wferrors.New(wferrors.KindValidationFailed, "malformed request body"))
		return
	}
	if err := s.reqValid.Struct(req); err != nil {
		writeError(w, wferrors.Wrap(err, wferrors.KindValidationFailed, "request failed structural validation"))
		return
	}

	result := s.validate(&req.Spec)
	writeJSON(w, http.StatusOK, result)
}

type executeRequest struct {
	Spec  workflow.WorkflowSpec  `json:"spec" validate:"required"`
	Input map[string]interface{} `json:"input"`
}

type executeResponse struct {
	Result *workflow.ExecutionResult `json:"result"`
	Trace  *workflow.Trace           `json:"trace"`
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, wferrors.New(wferrors.KindValidationFailed, "malformed request body"))
		return
	}
	if err := s.reqValid.Struct(req); err != nil {
		writeError(w, wferrors.Wrap(err, wferrors.KindValidationFailed, "request failed structural validation"))
		return
	}

	if result := s.validate(&req.Spec); !result.Valid {
		writeJSON(w, http.StatusBadRequest, result)
		return
	}

	execResult, trace, err := s.orch.Execute(r.Context(), &req.Spec, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}

	if s.repo != nil {
		if err := s.repo.SaveExecution(r.Context(), trace, execResult.TaskDetails); err != nil {
			s.log.Error("persisting execution", zap.Error(err), zap.String("executionId", execResult.ExecutionID))
		}
	}

	writeJSON(w, http.StatusOK, executeResponse{Result: execResult, Trace: trace})
}

// handleGetTrace serves a previously persisted execution's trace, the
// read side of the persistence path handleExecute writes (spec.md §6
// GetTrace). It 404s when no repository is configured or no row matches.
func (s *server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		writeError(w, wferrors.NewNotFoundError("execution repository not configured"))
		return
	}
	executionID := chi.URLParam(r, "executionId")
	trace, records, err := s.repo.GetTrace(r.Context(), executionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		Result: &workflow.ExecutionResult{ExecutionID: trace.ExecutionID, Success: trace.Status == workflow.ExecutionSucceeded, TaskDetails: records},
		Trace:  trace,
	})
}

func (s *server) validate(spec *workflow.WorkflowSpec) wfvalidator.Result {
	if s.policy != nil {
		return wfvalidator.Validate(spec, s.registry, s.policy)
	}
	return wfvalidator.Validate(spec, s.registry)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, wferrors.StatusCode(err), map[string]interface{}{"error": err.Error(), "fields": wferrors.LogFields(err)})
}
