package contract

import (
	"fmt"
	"sync"
	"time"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
)

// Deployment is one task's recorded version in one environment.
type Deployment struct {
	Version   string
	Timestamp time.Time
}

// DeploymentMatrix tracks task -> environment -> Deployment under a
// single RWMutex (spec.md §4.10, §5 "process-wide mappings guarded by
// concurrent-map semantics").
type DeploymentMatrix struct {
	mu            sync.RWMutex
	deployments   map[string]map[string]Deployment // task -> env -> deployment
	promotionChain []string
}

// NewDeploymentMatrix builds a matrix whose promotion chain is
// promotionChain, e.g. []string{"dev", "staging", "production"}.
func NewDeploymentMatrix(promotionChain []string) *DeploymentMatrix {
	return &DeploymentMatrix{
		deployments:    make(map[string]map[string]Deployment),
		promotionChain: promotionChain,
	}
}

// Record sets task's deployed version in env, stamped at recordedAt.
func (m *DeploymentMatrix) Record(task, env, version string, recordedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deployments[task] == nil {
		m.deployments[task] = make(map[string]Deployment)
	}
	m.deployments[task][env] = Deployment{Version: version, Timestamp: recordedAt}
}

// Get returns task's current deployment in env, if any.
func (m *DeploymentMatrix) Get(task, env string) (Deployment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[task][env]
	return d, ok
}

// GetAll returns a snapshot of every environment task is deployed to.
func (m *DeploymentMatrix) GetAll(task string) map[string]Deployment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Deployment, len(m.deployments[task]))
	for env, d := range m.deployments[task] {
		out[env] = d
	}
	return out
}

// CanDeploy succeeds iff version is currently recorded in the environment
// immediately prior to targetEnv in the configured promotion chain
// (spec.md §4.10). Deploying to the chain's first environment always
// succeeds, since it has no predecessor to check.
func (m *DeploymentMatrix) CanDeploy(task, version, targetEnv string) (bool, string) {
	idx := -1
	for i, env := range m.promotionChain {
		if env == targetEnv {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, fmt.Sprintf("%q is not a configured environment in the promotion chain", targetEnv)
	}
	if idx == 0 {
		return true, ""
	}
	predecessor := m.promotionChain[idx-1]

	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[task][predecessor]
	if !ok {
		return false, fmt.Sprintf("task %q has no recorded deployment in predecessor environment %q", task, predecessor)
	}
	if d.Version != version {
		return false, fmt.Sprintf("predecessor environment %q currently runs version %q, not %q", predecessor, d.Version, version)
	}
	return true, ""
}

// MustDeploy is CanDeploy wrapped as a DeploymentBlocked AppError for
// callers that want a single error return.
func (m *DeploymentMatrix) MustDeploy(task, version, targetEnv string) error {
	ok, reason := m.CanDeploy(task, version, targetEnv)
	if !ok {
		return wferrors.New(wferrors.KindDeploymentBlocked, reason)
	}
	return nil
}
