// Package workflow implements the Workflow Orchestrator core: DAG
// compilation, template resolution, control-flow evaluation, response
// handling, and the execution context and trace types. Bounded parallel
// execution lives in pkg/orchestrator.
package workflow

import (
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// InputType enumerates the wire types a workflow input parameter may
// declare.
type InputType string

const (
	InputTypeString  InputType = "string"
	InputTypeNumber  InputType = "number"
	InputTypeInteger InputType = "integer"
	InputTypeBoolean InputType = "boolean"
	InputTypeObject  InputType = "object"
	InputTypeArray   InputType = "array"
)

// InputParam describes one entry of a WorkflowSpec's input mapping.
type InputParam struct {
	Type        InputType   `yaml:"type" json:"type"`
	Required    bool        `yaml:"required" json:"required"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
}

// Condition gates a step's execution on a boolean expression.
type Condition struct {
	If string `yaml:"if" json:"if"`
}

// SwitchCase is one branch of a TaskStep.Switch.
type SwitchCase struct {
	Match   string `yaml:"match" json:"match"`
	TaskRef string `yaml:"taskRef" json:"taskRef"`
}

// SwitchDefault is the fallback branch of a TaskStep.Switch.
type SwitchDefault struct {
	TaskRef string `yaml:"taskRef" json:"taskRef"`
}

// Switch replaces a step with one of several taskRefs based on a
// templated value (spec.md §4.6 step 2).
type Switch struct {
	Value   string        `yaml:"value" json:"value"`
	Cases   []SwitchCase  `yaml:"cases" json:"cases"`
	Default *SwitchDefault `yaml:"default,omitempty" json:"default,omitempty"`
}

// ForEach expands a step into one virtual substep per element of a
// templated sequence (spec.md §4.6 step 3).
type ForEach struct {
	Items       string `yaml:"items" json:"items"`
	ItemVar     string `yaml:"itemVar" json:"itemVar"`
	MaxParallel int    `yaml:"maxParallel" json:"maxParallel"`
}

// TaskStep is one node in a WorkflowSpec's DAG.
type TaskStep struct {
	ID        string            `yaml:"id" json:"id" validate:"required"`
	TaskRef   string            `yaml:"taskRef" json:"taskRef"`
	Input     map[string]string `yaml:"input" json:"input"`
	DependsOn []string          `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Condition *Condition        `yaml:"condition,omitempty" json:"condition,omitempty"`
	Switch    *Switch           `yaml:"switch,omitempty" json:"switch,omitempty"`
	ForEach   *ForEach          `yaml:"forEach,omitempty" json:"forEach,omitempty"`
	Timeout   time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// WorkflowMetadata names and namespaces a WorkflowSpec, mirroring the
// `apiVersion`/`kind`/`metadata` envelope of spec.md §6.
type WorkflowMetadata struct {
	Name      string `yaml:"name" json:"name" validate:"required"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// WorkflowSpec is a named, namespaced workflow definition (spec.md §3).
type WorkflowSpec struct {
	APIVersion string                `yaml:"apiVersion" json:"apiVersion"`
	Kind       string                `yaml:"kind" json:"kind"`
	Metadata   WorkflowMetadata      `yaml:"metadata" json:"metadata" validate:"required"`
	Input      map[string]InputParam `yaml:"input" json:"input"`
	Tasks      []TaskStep            `yaml:"tasks" json:"tasks" validate:"required,min=1,dive"`
	Output     map[string]string     `yaml:"output,omitempty" json:"output,omitempty"`
}

// OAuth2ClientCredentials configures client-credentials-grant
// authentication for a TaskDefinition's HTTP dispatch (SPEC_FULL.md
// §4.5): the Task Executor exchanges ClientID/ClientSecret at TokenURL
// for a bearer token and attaches it to every request for the task,
// refreshing it transparently as it expires.
type OAuth2ClientCredentials struct {
	TokenURL     string   `yaml:"tokenUrl" json:"tokenUrl"`
	ClientID     string   `yaml:"clientId" json:"clientId"`
	ClientSecret string   `yaml:"clientSecret" json:"clientSecret"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// HTTPBinding is the transport half of a TaskDefinition.
type HTTPBinding struct {
	URL    string                   `yaml:"url" json:"url"`
	Method string                   `yaml:"method" json:"method"`
	OAuth2 *OAuth2ClientCredentials `yaml:"oauth2,omitempty" json:"oauth2,omitempty"`
}

// TaskDefinition is the reusable, externally registered task a TaskStep
// refers to by name (spec.md §3). InputSchema/OutputSchema are OpenAPI 3
// schema objects (SPEC_FULL.md §3) rather than bare maps so the Task
// Executor can validate resolved input and parsed output against them
// with kin-openapi's own visitor instead of hand-rolled field checks.
type TaskDefinition struct {
	Name           string             `yaml:"name" json:"name"`
	HTTP           HTTPBinding        `yaml:"http" json:"http"`
	InputSchema    *openapi3.Schema   `yaml:"inputSchema,omitempty" json:"inputSchema,omitempty"`
	OutputSchema   *openapi3.Schema   `yaml:"outputSchema,omitempty" json:"outputSchema,omitempty"`
	Lifecycle      TaskLifecycleState `yaml:"-" json:"-"`
	Retry          RetryPolicy        `yaml:"retry,omitempty" json:"retry,omitempty"`
	DefaultTimeout time.Duration      `yaml:"defaultTimeout,omitempty" json:"defaultTimeout,omitempty"`
}

// TaskLifecycleState is a TaskDefinition's monotonic lifecycle state
// (spec.md §3 Lifecycle).
type TaskLifecycleState string

const (
	TaskActive     TaskLifecycleState = "Active"
	TaskSuperseded TaskLifecycleState = "Superseded"
	TaskDeprecated TaskLifecycleState = "Deprecated"
)

// RetryPolicy configures the Task Executor's retry behavior for one
// TaskDefinition (spec.md §4.5).
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty"`
	BaseBackoff    time.Duration `yaml:"baseBackoff,omitempty" json:"baseBackoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"maxBackoff,omitempty" json:"maxBackoff,omitempty"`
}

// StepStatus is the lifecycle of one executed (or skipped) TaskStep.
type StepStatus string

const (
	StepPending   StepStatus = "Pending"
	StepRunning   StepStatus = "Running"
	StepSucceeded StepStatus = "Succeeded"
	StepFailed    StepStatus = "Failed"
	StepSkipped   StepStatus = "Skipped"
	StepCancelled StepStatus = "Cancelled"
)

// ExecutionStatus is the overall state machine of one Execute() run
// (spec.md §4.6).
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "Pending"
	ExecutionRunning   ExecutionStatus = "Running"
	ExecutionSucceeded ExecutionStatus = "Succeeded"
	ExecutionFailed    ExecutionStatus = "Failed"
	ExecutionCancelled ExecutionStatus = "Cancelled"
)

// TaskState is the per-step entry in an ExecutionContext.
type TaskState struct {
	Status       StepStatus             `json:"status"`
	Output       map[string]interface{} `json:"output,omitempty"`
	Error        string                 `json:"error,omitempty"`
	RetryCount   int                    `json:"retryCount"`
	DurationMs   int64                  `json:"durationMs"`
	ResolvedURL  string                 `json:"resolvedUrl,omitempty"`
	HTTPMethod   string                 `json:"httpMethod,omitempty"`
	StartedAt    time.Time              `json:"startedAt,omitempty"`
	CompletedAt  time.Time              `json:"completedAt,omitempty"`
	SkipReason   string                 `json:"skipReason,omitempty"`
}

// ForEachScope is the ephemeral per-iteration binding pushed onto the
// ExecutionContext for the duration of one forEach element (spec.md §9:
// "the itemVar lives only for the duration of its iteration").
type ForEachScope struct {
	ItemVar string
	Item    interface{}
	Index   int
	IsLast  bool
}

// ExecutionContext is built incrementally over the course of one run.
// It is never persisted directly — TaskExecutionRecord outlives it.
//
// The same *ExecutionContext is read from many goroutines at once (a
// level's steps resolve templates concurrently) while Tasks is written as
// each step settles, so all access to Tasks goes through GetTask/SetTask
// rather than the map directly. ForEachStack is NOT safe to share across
// goroutines — callers executing forEach substeps concurrently must use
// Clone, which copies the stack but shares Input/Tasks/mu.
type ExecutionContext struct {
	Input        map[string]interface{}
	Tasks        map[string]*TaskState
	ForEachStack []ForEachScope
	mu           *sync.RWMutex
}

// NewExecutionContext creates an empty context seeded with the validated
// workflow input.
func NewExecutionContext(input map[string]interface{}) *ExecutionContext {
	return &ExecutionContext{
		Input: input,
		Tasks: make(map[string]*TaskState),
		mu:    &sync.RWMutex{},
	}
}

// GetTask returns the current state of step id, safe for concurrent use.
func (c *ExecutionContext) GetTask(id string) (*TaskState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.Tasks[id]
	return state, ok
}

// SetTask records step id's settled state, safe for concurrent use.
func (c *ExecutionContext) SetTask(id string, state *TaskState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Tasks[id] = state
}

// Clone returns a context that shares Input, Tasks, and the Tasks lock
// with c but has its own, independent ForEachStack — the shape forEach
// substeps running concurrently need: each substep pushes its own scope
// without racing its siblings.
func (c *ExecutionContext) Clone() *ExecutionContext {
	stack := make([]ForEachScope, len(c.ForEachStack))
	copy(stack, c.ForEachStack)
	return &ExecutionContext{
		Input:        c.Input,
		Tasks:        c.Tasks,
		ForEachStack: stack,
		mu:           c.mu,
	}
}

// CurrentScope returns the innermost forEach scope, or nil when not
// inside any forEach iteration.
func (c *ExecutionContext) CurrentScope() *ForEachScope {
	if len(c.ForEachStack) == 0 {
		return nil
	}
	return &c.ForEachStack[len(c.ForEachStack)-1]
}

// PushScope enters a forEach iteration's scope.
func (c *ExecutionContext) PushScope(scope ForEachScope) {
	c.ForEachStack = append(c.ForEachStack, scope)
}

// PopScope leaves the innermost forEach iteration's scope. It must not
// leak into sibling iterations or downstream steps (spec.md §9).
func (c *ExecutionContext) PopScope() {
	if len(c.ForEachStack) == 0 {
		return
	}
	c.ForEachStack = c.ForEachStack[:len(c.ForEachStack)-1]
}

// TaskExecutionRecord is one persisted row per step in one execution
// (spec.md §3).
type TaskExecutionRecord struct {
	ExecutionID string                 `json:"executionId"`
	StepID      string                 `json:"stepId"`
	TaskRef     string                 `json:"taskRef"`
	Status      StepStatus             `json:"status"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	RetryCount  int                    `json:"retryCount"`
	DurationMs  int64                  `json:"durationMs"`
	ResolvedURL string                 `json:"resolvedUrl,omitempty"`
	HTTPMethod  string                 `json:"httpMethod,omitempty"`
	StartedAt   time.Time              `json:"startedAt"`
	CompletedAt time.Time              `json:"completedAt"`
}

// TaskTrace is the per-step entry within a Trace.
type TaskTrace struct {
	StepID      string     `json:"stepId"`
	Status      StepStatus `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt time.Time  `json:"completedAt"`
	DurationMs  int64      `json:"durationMs"`
	WaitTimeMs  int64      `json:"waitTimeMs"`
}

// Trace is the full per-execution record (spec.md §3, §4.6.4).
type Trace struct {
	ExecutionID           string      `json:"executionId"`
	WorkflowName          string      `json:"workflowName"`
	StartedAt             time.Time   `json:"startedAt"`
	CompletedAt           time.Time   `json:"completedAt"`
	Tasks                 []TaskTrace `json:"tasks"`
	PlannedParallelGroups [][]string  `json:"plannedParallelGroups"`
	ActualParallelGroups  [][]string  `json:"actualParallelGroups"`
	Status                ExecutionStatus `json:"status"`
	Error                 string      `json:"error,omitempty"`
}

// ExecutionResult is the return value of Execute (spec.md §6).
type ExecutionResult struct {
	ExecutionID       string                 `json:"executionId"`
	Success           bool                   `json:"success"`
	Output            map[string]interface{} `json:"output,omitempty"`
	TaskDetails        []TaskExecutionRecord  `json:"taskDetails"`
	ExecutionTimeMs   int64                  `json:"executionTimeMs"`
	Error             string                 `json:"error,omitempty"`
}
