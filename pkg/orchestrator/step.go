package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
	"github.com/jordigilh/workflowcore/internal/metrics"
	"github.com/jordigilh/workflowcore/pkg/workflow"
)

// runStep applies control flow (condition, switch, forEach) to one
// TaskStep and dispatches whatever concrete work results, recording a
// trace entry (or one per forEach element) and marking *failed on any
// terminal error (spec.md §4.6 steps 1-4).
func (o *Orchestrator) runStep(
	ctx context.Context,
	executionID string,
	step *workflow.TaskStep,
	execCtx *workflow.ExecutionContext,
	sem *semaphore.Weighted,
	enabledAt time.Time,
	tracesMu *sync.Mutex,
	traces *[]workflow.TaskTrace,
	failed *bool,
) {
	if step.Condition != nil {
		res, err := workflow.EvaluateCondition(step.Condition.If, execCtx)
		if err != nil {
			o.recordTerminal(step.ID, enabledAt, err, tracesMu, traces, failed, execCtx)
			return
		}
		if res.Outcome == workflow.ConditionSkip {
			o.recordSkip(step.ID, enabledAt, res.Reason, tracesMu, traces, execCtx)
			return
		}
	}

	taskRef := step.TaskRef
	if step.Switch != nil {
		resolved, skip, err := o.resolveSwitch(step.Switch, execCtx)
		if err != nil {
			o.recordTerminal(step.ID, enabledAt, err, tracesMu, traces, failed, execCtx)
			return
		}
		if skip {
			o.recordSkip(step.ID, enabledAt, "NoCaseMatched", tracesMu, traces, execCtx)
			return
		}
		taskRef = resolved
	}

	if step.ForEach != nil {
		o.runForEach(ctx, executionID, step, taskRef, execCtx, sem, enabledAt, tracesMu, traces, failed)
		return
	}

	o.dispatch(ctx, executionID, step.ID, taskRef, step.Input, step.Timeout, execCtx, nil, sem, enabledAt, tracesMu, traces, failed)
}

// resolveSwitch evaluates switch.value and matches it against cases
// case-insensitively (spec.md §4.6 step 2). It returns (taskRef, skip,
// err): skip is true for the non-fatal NoCaseMatched outcome.
func (o *Orchestrator) resolveSwitch(sw *workflow.Switch, execCtx *workflow.ExecutionContext) (string, bool, error) {
	val, err := workflow.ResolveTemplate(sw.Value, execCtx)
	if err != nil {
		return "", false, err
	}
	resolved := fmt.Sprintf("%v", val)
	for _, c := range sw.Cases {
		if strings.EqualFold(strings.TrimSpace(resolved), strings.TrimSpace(c.Match)) {
			return c.TaskRef, false, nil
		}
	}
	if sw.Default != nil {
		return sw.Default.TaskRef, false, nil
	}
	return "", true, nil
}

// runForEach evaluates forEach.items, fans out one virtual substep per
// element under a per-step semaphore, and aggregates the substeps'
// statuses into the parent step's TaskState (spec.md §4.6 step 3, §4.6.1).
func (o *Orchestrator) runForEach(
	ctx context.Context,
	executionID string,
	step *workflow.TaskStep,
	taskRef string,
	execCtx *workflow.ExecutionContext,
	globalSem *semaphore.Weighted,
	enabledAt time.Time,
	tracesMu *sync.Mutex,
	traces *[]workflow.TaskTrace,
	failed *bool,
) {
	itemsVal, err := workflow.ResolveTemplate(step.ForEach.Items, execCtx)
	if err != nil {
		o.recordTerminal(step.ID, enabledAt, err, tracesMu, traces, failed, execCtx)
		return
	}
	items, ok := itemsVal.([]interface{})
	if !ok {
		o.recordTerminal(step.ID, enabledAt, wferrors.Newf(wferrors.KindForEachNotIterable, "forEach.items for step %q did not resolve to a sequence", step.ID), tracesMu, traces, failed, execCtx)
		return
	}

	weight := int64(step.ForEach.MaxParallel)
	if weight <= 0 {
		weight = int64(len(items))
		if weight == 0 {
			weight = 1
		}
	}
	localSem := semaphore.NewWeighted(weight)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allSucceeded := true
	anyTerminal := false
	var earliestStart, latestEnd time.Time

	for i, item := range items {
		subID := fmt.Sprintf("%s[%d]", step.ID, i)
		scope := workflow.ForEachScope{
			ItemVar: step.ForEach.ItemVar,
			Item:    item,
			Index:   i,
			IsLast:  i == len(items)-1,
		}
		wg.Add(1)
		go func(subID string, scope workflow.ForEachScope) {
			defer wg.Done()
			if err := localSem.Acquire(ctx, 1); err != nil {
				return
			}
			defer localSem.Release(1)

			subCtx := execCtx.Clone()
			subCtx.PushScope(scope)
			defer subCtx.PopScope()

			o.dispatch(ctx, executionID, subID, taskRef, step.Input, step.Timeout, subCtx, &scope, globalSem, enabledAt, tracesMu, traces, failed)

			state, _ := execCtx.GetTask(subID)
			mu.Lock()
			if state == nil || state.Status != workflow.StepSucceeded {
				allSucceeded = false
			}
			if state != nil && state.Status == workflow.StepFailed {
				anyTerminal = true
			}
			if state != nil {
				if earliestStart.IsZero() || state.StartedAt.Before(earliestStart) {
					earliestStart = state.StartedAt
				}
				if state.CompletedAt.After(latestEnd) {
					latestEnd = state.CompletedAt
				}
			}
			mu.Unlock()
		}(subID, scope)
	}
	wg.Wait()

	aggStatus := workflow.StepSucceeded
	if !allSucceeded {
		aggStatus = workflow.StepFailed
	}
	execCtx.SetTask(step.ID, &workflow.TaskState{
		Status:      aggStatus,
		StartedAt:   earliestStart,
		CompletedAt: latestEnd,
		DurationMs:  latestEnd.Sub(earliestStart).Milliseconds(),
	})
	if anyTerminal {
		mu.Lock()
		*failed = true
		mu.Unlock()
	}
}

// dispatch resolves step.Input's templates, executes the task, and
// records both the ExecutionContext's TaskState and the trace entry. subID
// is the trace/context key: the step's own id, or "<id>[<index>]" inside a
// forEach. The *workflow.ForEachScope parameter is unused: a forEach
// substep sees its scope through execCtx, onto which the caller has
// already pushed it.
func (o *Orchestrator) dispatch(
	ctx context.Context,
	executionID string,
	subID string,
	taskRef string,
	rawInput map[string]string,
	timeout time.Duration,
	execCtx *workflow.ExecutionContext,
	_ *workflow.ForEachScope,
	sem *semaphore.Weighted,
	enabledAt time.Time,
	tracesMu *sync.Mutex,
	traces *[]workflow.TaskTrace,
	failed *bool,
) {
	if err := sem.Acquire(ctx, 1); err != nil {
		o.recordTerminal(subID, enabledAt, wferrors.New(wferrors.KindTaskCancelled, "execution cancelled while queued"), tracesMu, traces, failed, execCtx)
		return
	}
	defer sem.Release(1)

	startedAt := time.Now()

	def, ok := o.registry.Get(taskRef)
	if !ok {
		o.recordTerminal(subID, enabledAt, wferrors.NewNotFoundError("task "+taskRef), tracesMu, traces, failed, execCtx)
		return
	}

	resolvedInput, err := resolveInput(rawInput, execCtx)
	if err != nil {
		o.recordTerminal(subID, enabledAt, err, tracesMu, traces, failed, execCtx)
		return
	}

	effectiveTimeout := timeout
	if effectiveTimeout == 0 {
		effectiveTimeout = def.DefaultTimeout
	}

	res := o.exec.Execute(ctx, executionID, subID, def, resolvedInput, rawInput, execCtx, effectiveTimeout, def.Retry)
	completedAt := time.Now()

	status := workflow.StepSucceeded
	var errMsg string
	if !res.Success {
		status = workflow.StepFailed
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
	}
	metrics.ObserveStep(taskRef, string(status), completedAt.Sub(startedAt), res.RetryCount)

	execCtx.SetTask(subID, &workflow.TaskState{
		Status:      status,
		Output:      res.Output,
		Error:       errMsg,
		RetryCount:  res.RetryCount,
		DurationMs:  res.DurationMs,
		ResolvedURL: res.ResolvedURL,
		HTTPMethod:  res.HTTPMethod,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
	})

	tracesMu.Lock()
	*traces = append(*traces, workflow.TaskTrace{
		StepID:      subID,
		Status:      status,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		DurationMs:  completedAt.Sub(startedAt).Milliseconds(),
		WaitTimeMs:  startedAt.Sub(enabledAt).Milliseconds(),
	})
	if status == workflow.StepFailed {
		*failed = true
	}
	tracesMu.Unlock()
}

func resolveInput(rawInput map[string]string, execCtx *workflow.ExecutionContext) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(rawInput))
	for key, tmpl := range rawInput {
		val, err := workflow.ResolveTemplate(tmpl, execCtx)
		if err != nil {
			return nil, err
		}
		resolved[key] = val
	}
	return resolved, nil
}

func (o *Orchestrator) recordSkip(stepID string, enabledAt time.Time, reason string, tracesMu *sync.Mutex, traces *[]workflow.TaskTrace, execCtx *workflow.ExecutionContext) {
	now := time.Now()
	execCtx.SetTask(stepID, &workflow.TaskState{
		Status:      workflow.StepSkipped,
		SkipReason:  reason,
		StartedAt:   now,
		CompletedAt: now,
	})
	tracesMu.Lock()
	*traces = append(*traces, workflow.TaskTrace{
		StepID:      stepID,
		Status:      workflow.StepSkipped,
		StartedAt:   now,
		CompletedAt: now,
		WaitTimeMs:  now.Sub(enabledAt).Milliseconds(),
	})
	tracesMu.Unlock()
}

func (o *Orchestrator) recordTerminal(stepID string, enabledAt time.Time, err error, tracesMu *sync.Mutex, traces *[]workflow.TaskTrace, failed *bool, execCtx *workflow.ExecutionContext) {
	now := time.Now()
	execCtx.SetTask(stepID, &workflow.TaskState{
		Status:      workflow.StepFailed,
		Error:       err.Error(),
		StartedAt:   now,
		CompletedAt: now,
	})
	tracesMu.Lock()
	*traces = append(*traces, workflow.TaskTrace{
		StepID:      stepID,
		Status:      workflow.StepFailed,
		StartedAt:   now,
		CompletedAt: now,
		WaitTimeMs:  now.Sub(enabledAt).Milliseconds(),
	})
	*failed = true
	tracesMu.Unlock()
}
