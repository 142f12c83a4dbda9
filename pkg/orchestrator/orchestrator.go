// Package orchestrator drives one workflow execution: it pulls a
// compiled DAG from pkg/workflow, walks it level by level applying
// control flow, dispatches tasks through pkg/executor, and assembles the
// trace and final output.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
	"github.com/jordigilh/workflowcore/internal/metrics"
	"github.com/jordigilh/workflowcore/pkg/executor"
	"github.com/jordigilh/workflowcore/pkg/workflow"
)

// TaskRegistry resolves a TaskStep's taskRef to its TaskDefinition. The
// Contract & Lifecycle Engine and the config-driven static registry both
// implement it.
type TaskRegistry interface {
	Get(taskRef string) (*workflow.TaskDefinition, bool)
}

// Config bounds one Orchestrator's concurrency (spec.md §5).
type Config struct {
	GlobalParallelism int
}

func DefaultConfig() Config {
	return Config{GlobalParallelism: 16}
}

// Orchestrator executes WorkflowSpecs against a TaskRegistry.
type Orchestrator struct {
	registry TaskRegistry
	exec     *executor.Executor
	log      logr.Logger
	cfg      Config
	tracer   trace.Tracer
}

func New(registry TaskRegistry, exec *executor.Executor, log logr.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		exec:     exec,
		log:      log,
		cfg:      cfg,
		tracer:   otel.Tracer("github.com/jordigilh/workflowcore/pkg/orchestrator"),
	}
}

// Execute runs spec to completion against input (already validated and
// defaulted by the caller) and returns the execution result alongside its
// trace.
func (o *Orchestrator) Execute(ctx context.Context, spec *workflow.WorkflowSpec, input map[string]interface{}) (*workflow.ExecutionResult, *workflow.Trace, error) {
	executionID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if storage := o.exec.Storage(); storage != nil {
		defer storage.Cleanup()
	}

	runCtx, span := o.tracer.Start(runCtx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.name", spec.Metadata.Name),
		attribute.String("execution.id", executionID),
	))
	defer span.End()

	plan, err := workflow.BuildDAG(spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	execCtx := workflow.NewExecutionContext(input)
	start := time.Now()

	byID := make(map[string]*workflow.TaskStep, len(spec.Tasks))
	for i := range spec.Tasks {
		byID[spec.Tasks[i].ID] = &spec.Tasks[i]
	}

	sem := semaphore.NewWeighted(int64(maxInt(1, o.cfg.GlobalParallelism)))

	traces := make([]workflow.TaskTrace, 0, len(spec.Tasks))
	var tracesMu sync.Mutex
	failed := false

	for levelIdx, level := range plan.Levels {
		if failed {
			break
		}
		levelEnabledAt := o.earliestEnabledTime(execCtx, start, byID, level)

		var wg sync.WaitGroup
		for _, stepID := range level {
			step := byID[stepID]
			wg.Add(1)
			go func(step *workflow.TaskStep, enabledAt time.Time) {
				defer wg.Done()
				o.runStep(runCtx, executionID, step, execCtx, sem, enabledAt, &tracesMu, &traces, &failed)
			}(step, levelEnabledAt[stepID])
		}
		wg.Wait()
		o.log.V(1).Info("level settled", "executionId", executionID, "level", levelIdx)
	}

	status := workflow.ExecutionSucceeded
	if failed {
		status = workflow.ExecutionFailed
	}
	if runCtx.Err() != nil && !failed {
		status = workflow.ExecutionCancelled
	}

	output, outputErr := o.materializeOutput(spec, execCtx)
	if outputErr != nil && status == workflow.ExecutionSucceeded {
		status = workflow.ExecutionFailed
	}

	completedAt := time.Now()

	details := make([]workflow.TaskExecutionRecord, 0, len(traces))
	for _, tt := range traces {
		state, _ := execCtx.GetTask(tt.StepID)
		rec := workflow.TaskExecutionRecord{
			ExecutionID: executionID,
			StepID:      tt.StepID,
			Status:      tt.Status,
			DurationMs:  tt.DurationMs,
			StartedAt:   tt.StartedAt,
			CompletedAt: tt.CompletedAt,
		}
		if state != nil {
			rec.Output = state.Output
			rec.Error = state.Error
			rec.RetryCount = state.RetryCount
			rec.ResolvedURL = state.ResolvedURL
			rec.HTTPMethod = state.HTTPMethod
		}
		details = append(details, rec)
	}

	result := &workflow.ExecutionResult{
		ExecutionID:     executionID,
		Success:         status == workflow.ExecutionSucceeded,
		Output:          output,
		TaskDetails:     details,
		ExecutionTimeMs: completedAt.Sub(start).Milliseconds(),
	}
	if outputErr != nil {
		result.Error = outputErr.Error()
	}

	tr := &workflow.Trace{
		ExecutionID:           executionID,
		WorkflowName:          spec.Metadata.Name,
		StartedAt:             start,
		CompletedAt:           completedAt,
		Tasks:                 traces,
		PlannedParallelGroups: plan.Levels,
		ActualParallelGroups:  actualParallelGroups(traces),
		Status:                status,
	}
	if outputErr != nil {
		tr.Error = outputErr.Error()
	}

	metrics.ObserveExecution(spec.Metadata.Name, string(status), completedAt.Sub(start))
	if status == workflow.ExecutionFailed {
		span.SetStatus(codes.Error, "execution failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return result, tr, nil
}

// earliestEnabledTime computes, for each step entering this level, the
// waitTimeMs baseline: the completion time of its last predecessor, or
// the execution start for roots (spec.md §4.6.4).
func (o *Orchestrator) earliestEnabledTime(execCtx *workflow.ExecutionContext, runStart time.Time, byID map[string]*workflow.TaskStep, level []string) map[string]time.Time {
	enabled := make(map[string]time.Time, len(level))
	for _, id := range level {
		step := byID[id]
		latest := runStart
		for _, dep := range step.DependsOn {
			if state, ok := execCtx.GetTask(dep); ok && state.CompletedAt.After(latest) {
				latest = state.CompletedAt
			}
		}
		enabled[id] = latest
	}
	return enabled
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func actualParallelGroups(traces []workflow.TaskTrace) [][]string {
	type interval struct {
		id    string
		start time.Time
		end   time.Time
	}
	var ivs []interval
	for _, t := range traces {
		if t.StartedAt.IsZero() {
			continue
		}
		ivs = append(ivs, interval{t.StepID, t.StartedAt, t.CompletedAt})
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].start.Before(ivs[j].start) })

	var groups [][]string
	var cur []string
	var curEnd time.Time
	for i, iv := range ivs {
		if i == 0 || iv.start.Before(curEnd) {
			cur = append(cur, iv.id)
			if iv.end.After(curEnd) {
				curEnd = iv.end
			}
			continue
		}
		groups = append(groups, cur)
		cur = []string{iv.id}
		curEnd = iv.end
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// materializeOutput template-resolves spec.Output against the final
// context (spec.md §4.6.2). A reference to a Skipped or Failed step's
// output fails with OutputUnresolved.
func (o *Orchestrator) materializeOutput(spec *workflow.WorkflowSpec, execCtx *workflow.ExecutionContext) (map[string]interface{}, error) {
	if len(spec.Output) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(spec.Output))
	for key, tmpl := range spec.Output {
		val, err := workflow.ResolveTemplate(tmpl, execCtx)
		if err != nil {
			return nil, wferrors.Wrapf(err, wferrors.KindOutputUnresolved, "output field %q could not be resolved", key)
		}
		out[key] = val
	}
	return out, nil
}
