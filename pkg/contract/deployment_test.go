package contract_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
	"github.com/jordigilh/workflowcore/pkg/contract"
)

func TestDeploymentMatrix_CanDeployFirstEnvWithoutPredecessor(t *testing.T) {
	m := contract.NewDeploymentMatrix([]string{"dev", "staging", "production"})
	ok, reason := m.CanDeploy("chargeAccount", "v2", "dev")
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestDeploymentMatrix_BlocksWhenPredecessorMissing(t *testing.T) {
	m := contract.NewDeploymentMatrix([]string{"dev", "staging", "production"})
	ok, reason := m.CanDeploy("chargeAccount", "v2", "staging")
	assert.False(t, ok)
	assert.Contains(t, reason, "dev")
}

func TestDeploymentMatrix_AllowsPromotionWhenVersionMatchesPredecessor(t *testing.T) {
	m := contract.NewDeploymentMatrix([]string{"dev", "staging", "production"})
	m.Record("chargeAccount", "dev", "v2", time.Now())

	ok, reason := m.CanDeploy("chargeAccount", "v2", "staging")
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestDeploymentMatrix_BlocksVersionMismatchWithPredecessor(t *testing.T) {
	m := contract.NewDeploymentMatrix([]string{"dev", "staging", "production"})
	m.Record("chargeAccount", "dev", "v3", time.Now())

	ok, reason := m.CanDeploy("chargeAccount", "v2", "staging")
	assert.False(t, ok)
	assert.Contains(t, reason, "v3")
}

func TestDeploymentMatrix_UnknownEnvironmentIsRejected(t *testing.T) {
	m := contract.NewDeploymentMatrix([]string{"dev", "staging", "production"})
	ok, reason := m.CanDeploy("chargeAccount", "v2", "canary")
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestDeploymentMatrix_MustDeployReturnsDeploymentBlockedError(t *testing.T) {
	m := contract.NewDeploymentMatrix([]string{"dev", "staging"})
	err := m.MustDeploy("chargeAccount", "v2", "staging")
	require.Error(t, err)
	assert.True(t, wferrors.IsKind(err, wferrors.KindDeploymentBlocked))
}

func TestDeploymentMatrix_ConcurrentRecordsAreRaceFree(t *testing.T) {
	m := contract.NewDeploymentMatrix([]string{"dev", "staging"})
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(i int) {
			m.Record("chargeAccount", "dev", "v1", time.Now())
			_, _ = m.Get("chargeAccount", "dev")
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}
}
