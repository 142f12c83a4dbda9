// Package executor implements the Task Executor (spec.md §4.5): HTTP
// dispatch per step, content-type-directed response handling, and retry
// accounting.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2/clientcredentials"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
	"github.com/jordigilh/workflowcore/pkg/workflow"
)

// RetryCounter records per-(execution, step) retry attempts outside
// process memory (internal/retrycounter.Counter is the Redis-backed
// implementation). The executor only increments and resets it; counts are
// not read back, so a restarted executor starts a fresh attempt count.
type RetryCounter interface {
	Increment(ctx context.Context, executionID, stepID string) (int64, error)
	Reset(ctx context.Context, executionID, stepID string) error
}

// Result is the outcome of one step's HTTP dispatch (spec.md §4.5).
type Result struct {
	Success     bool
	Output      map[string]interface{}
	ResolvedURL string
	HTTPMethod  string
	DurationMs  int64
	RetryCount  int
	Err         error
}

// Executor dispatches HTTP requests for TaskDefinitions, applying retry
// and circuit-breaking policy per taskRef.
type Executor struct {
	client       *http.Client
	log          logr.Logger
	storage      *workflow.ResponseStorage
	breakers     map[string]*gobreaker.CircuitBreaker
	cbRatio      float64
	retryCounter RetryCounter

	oauthMu      sync.Mutex
	oauthClients map[string]*http.Client
}

// Option configures an optional Executor dependency at construction time.
type Option func(*Executor)

// WithRetryCounter wires a Redis-backed (or any other) RetryCounter that
// mirrors each step's retry attempts outside the process (SPEC_FULL.md
// §2/§6).
func WithRetryCounter(rc RetryCounter) Option {
	return func(e *Executor) { e.retryCounter = rc }
}

// Config carries executor-wide settings. New reads RequestTimeout and
// CircuitBreakerRatio only; MaxRetries, BaseBackoff and MaxBackoff are not
// read. The retry defaults applied when a step declares no RetryPolicy
// (spec.md §9 Open Questions: 3 attempts, 100ms base, x2 backoff, full
// jitter) are fixed in effectiveRetryPolicy and Execute.
type Config struct {
	RequestTimeout      time.Duration
	MaxRetries          int
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	CircuitBreakerRatio float64
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:      30 * time.Second,
		MaxRetries:          3,
		BaseBackoff:         100 * time.Millisecond,
		MaxBackoff:          10 * time.Second,
		CircuitBreakerRatio: 0.5,
	}
}

// New builds an Executor backed by a shared, connection-pooled HTTP
// client (the teacher's own k8s/ai client wrappers use one long-lived
// client per process rather than one per call).
func New(cfg Config, storage *workflow.ResponseStorage, log logr.Logger, opts ...Option) *Executor {
	e := &Executor{
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		log:          log,
		storage:      storage,
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
		cbRatio:      cfg.CircuitBreakerRatio,
		oauthClients: make(map[string]*http.Client),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// clientFor returns the HTTP client def's request should be issued with:
// the shared client, or a per-task OAuth2 client-credentials client
// (cached across calls, since clientcredentials.Config.Client already
// handles token refresh internally) when def.HTTP.OAuth2 is set.
func (e *Executor) clientFor(def *workflow.TaskDefinition) *http.Client {
	if def.HTTP.OAuth2 == nil {
		return e.client
	}
	e.oauthMu.Lock()
	defer e.oauthMu.Unlock()
	if c, ok := e.oauthClients[def.Name]; ok {
		return c
	}
	cfg := clientcredentials.Config{
		ClientID:     def.HTTP.OAuth2.ClientID,
		ClientSecret: def.HTTP.OAuth2.ClientSecret,
		TokenURL:     def.HTTP.OAuth2.TokenURL,
		Scopes:       def.HTTP.OAuth2.Scopes,
	}
	c := cfg.Client(context.Background())
	c.Timeout = e.client.Timeout
	e.oauthClients[def.Name] = c
	return c
}

// Storage returns the response storage this Executor writes binary
// responses into, so the caller driving an execution can clean it up on
// completion (spec.md §4.4, §5). May be nil.
func (e *Executor) Storage() *workflow.ResponseStorage {
	return e.storage
}

func (e *Executor) breakerFor(taskRef string) *gobreaker.CircuitBreaker {
	if cb, ok := e.breakers[taskRef]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        taskRef,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= e.cbRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			e.log.Info("circuit breaker state change", "taskRef", name, "from", from.String(), "to", to.String())
		},
	})
	e.breakers[taskRef] = cb
	return cb
}

// Execute resolves the step's input templates, assembles and issues the
// HTTP request defined by def, and classifies the response. timeout
// overrides def.DefaultTimeout when non-zero (step.timeout wins per
// spec.md §4.5). executionID/stepID identify the call for the optional
// RetryCounter; both may be empty if no counter is configured.
func (e *Executor) Execute(ctx context.Context, executionID, stepID string, def *workflow.TaskDefinition, resolvedInput map[string]interface{}, rawInput map[string]string, execCtx *workflow.ExecutionContext, timeout time.Duration, retry workflow.RetryPolicy) Result {
	start := time.Now()

	if def.InputSchema != nil {
		if err := def.InputSchema.VisitJSON(resolvedInput); err != nil {
			return Result{
				Err:        wferrors.Wrap(err, wferrors.KindValidationFailed, "resolved input does not satisfy task input schema"),
				DurationMs: time.Since(start).Milliseconds(),
			}
		}
	}

	url, err := expandURLTemplate(def.HTTP.URL, execCtx)
	if err != nil {
		return Result{Err: err, DurationMs: time.Since(start).Milliseconds()}
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	policy := effectiveRetryPolicy(retry)
	breaker := e.breakerFor(def.Name)
	client := e.clientFor(def)

	var retryCount int
	var lastResp *dispatchResponse

	operation := func() (*dispatchResponse, error) {
		if reqCtx.Err() != nil {
			return nil, backoff.Permanent(wferrors.New(wferrors.KindTaskCancelled, "execution was cancelled"))
		}
		out, err := breaker.Execute(func() (interface{}, error) {
			return e.dispatch(reqCtx, client, def.HTTP.Method, url, resolvedInput)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return nil, wferrors.Wrap(err, wferrors.KindHTTPTransport, "circuit breaker open for task "+def.Name)
			}
			if !wferrors.Retryable(wferrors.GetKind(err)) {
				return nil, backoff.Permanent(err)
			}
			retryCount++
			e.recordRetry(reqCtx, executionID, stepID)
			return nil, err
		}
		resp := out.(*dispatchResponse)
		lastResp = resp
		if isRetryableStatus(resp.statusCode) {
			retryCount++
			e.recordRetry(reqCtx, executionID, stepID)
			return nil, wferrors.Newf(wferrors.KindHTTPStatus, "retryable status %d from %s", resp.statusCode, url)
		}
		return resp, nil
	}

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.InitialInterval = policy.BaseBackoff
	backoffPolicy.MaxInterval = policy.MaxBackoff
	backoffPolicy.Multiplier = 2.0
	backoffPolicy.RandomizationFactor = 1.0 // full jitter

	resp, err := backoff.Retry(reqCtx, operation,
		backoff.WithBackOff(backoffPolicy),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	)

	duration := time.Since(start).Milliseconds()

	if err != nil {
		e.resetRetryCounter(ctx, executionID, stepID)
		if reqCtx.Err() == context.DeadlineExceeded {
			return Result{
				Err:         wferrors.New(wferrors.KindHTTPTimeout, "request timed out"),
				ResolvedURL: url,
				HTTPMethod:  def.HTTP.Method,
				DurationMs:  duration,
				RetryCount:  retryCount,
			}
		}
		return Result{
			Err:         err,
			ResolvedURL: url,
			HTTPMethod:  def.HTTP.Method,
			DurationMs:  duration,
			RetryCount:  retryCount,
		}
	}

	if resp == nil {
		resp = lastResp
	}

	if resp.statusCode >= 400 {
		e.resetRetryCounter(ctx, executionID, stepID)
		return Result{
			Err:         wferrors.Newf(wferrors.KindHTTPStatus, "status %d from %s", resp.statusCode, url),
			ResolvedURL: url,
			HTTPMethod:  def.HTTP.Method,
			DurationMs:  duration,
			RetryCount:  retryCount,
		}
	}

	output, err := workflow.HandleResponse(resp.contentType, resp.body, e.storage)
	if err != nil {
		e.resetRetryCounter(ctx, executionID, stepID)
		return Result{
			Err:         err,
			ResolvedURL: url,
			HTTPMethod:  def.HTTP.Method,
			DurationMs:  duration,
			RetryCount:  retryCount,
		}
	}

	if def.OutputSchema != nil {
		if err := def.OutputSchema.VisitJSON(output); err != nil {
			e.resetRetryCounter(ctx, executionID, stepID)
			return Result{
				Err:         wferrors.Wrap(err, wferrors.KindContractViolation, "response does not satisfy task output schema"),
				ResolvedURL: url,
				HTTPMethod:  def.HTTP.Method,
				DurationMs:  duration,
				RetryCount:  retryCount,
			}
		}
	}

	e.resetRetryCounter(ctx, executionID, stepID)
	return Result{
		Success:     true,
		Output:      output,
		ResolvedURL: url,
		HTTPMethod:  def.HTTP.Method,
		DurationMs:  duration,
		RetryCount:  retryCount,
	}
}

// recordRetry bumps the optional RetryCounter. Failures to reach Redis
// never fail the step itself — the counter is an operational aid, not a
// correctness dependency.
func (e *Executor) recordRetry(ctx context.Context, executionID, stepID string) {
	if e.retryCounter == nil || executionID == "" {
		return
	}
	if _, err := e.retryCounter.Increment(ctx, executionID, stepID); err != nil {
		e.log.Error(err, "failed to record retry attempt", "executionId", executionID, "stepId", stepID)
	}
}

// resetRetryCounter clears the counter once a step has settled (success
// or terminal failure) so its key doesn't linger until TTL expiry.
func (e *Executor) resetRetryCounter(ctx context.Context, executionID, stepID string) {
	if e.retryCounter == nil || executionID == "" {
		return
	}
	if err := e.retryCounter.Reset(ctx, executionID, stepID); err != nil {
		e.log.Error(err, "failed to reset retry counter", "executionId", executionID, "stepId", stepID)
	}
}

type dispatchResponse struct {
	statusCode  int
	contentType string
	body        []byte
}

func (e *Executor) dispatch(ctx context.Context, client *http.Client, method, url string, body map[string]interface{}) (*dispatchResponse, error) {
	var reader *bytes.Reader
	if len(body) > 0 {
		encoded, err := encodeRequestBody(body)
		if err != nil {
			return nil, wferrors.Wrap(err, wferrors.KindHTTPTransport, "failed to encode request body")
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, wferrors.Wrap(err, wferrors.KindHTTPTransport, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wferrors.Wrap(err, wferrors.KindHTTPTimeout, "request context ended")
		}
		return nil, wferrors.Wrap(err, wferrors.KindHTTPTransport, "transport error")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wferrors.Wrap(err, wferrors.KindHTTPTransport, "failed to read response body")
	}

	return &dispatchResponse{
		statusCode:  resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        raw,
	}, nil
}

func isRetryableStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500
}

type effectivePolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func effectiveRetryPolicy(p workflow.RetryPolicy) effectivePolicy {
	ep := effectivePolicy{MaxAttempts: 3, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 10 * time.Second}
	if p.MaxAttempts > 0 {
		ep.MaxAttempts = p.MaxAttempts
	}
	if p.BaseBackoff > 0 {
		ep.BaseBackoff = p.BaseBackoff
	}
	if p.MaxBackoff > 0 {
		ep.MaxBackoff = p.MaxBackoff
	}
	return ep
}

// expandURLTemplate resolves the TaskDefinition's URL template against
// the workflow input (spec.md §4.5: "URL template expanded with input").
func expandURLTemplate(urlTemplate string, ctx *workflow.ExecutionContext) (string, error) {
	val, err := workflow.ResolveTemplate(urlTemplate, ctx)
	if err != nil {
		return "", err
	}
	if s, ok := val.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", val), nil
}

func encodeRequestBody(body map[string]interface{}) ([]byte, error) {
	return json.Marshal(body)
}
