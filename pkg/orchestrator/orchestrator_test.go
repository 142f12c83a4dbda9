package orchestrator_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/workflowcore/pkg/executor"
	"github.com/jordigilh/workflowcore/pkg/orchestrator"
	"github.com/jordigilh/workflowcore/pkg/workflow"
)

func TestOrchestrator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Orchestrator Suite")
}

type memRegistry map[string]*workflow.TaskDefinition

func (m memRegistry) Get(taskRef string) (*workflow.TaskDefinition, bool) {
	def, ok := m[taskRef]
	return def, ok
}

func jsonEcho(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

var _ = Describe("Orchestrator.Execute", func() {
	var exec *executor.Executor
	var reg memRegistry

	BeforeEach(func() {
		storage := workflow.NewResponseStorage(GinkgoT().TempDir())
		exec = executor.New(executor.DefaultConfig(), storage, logr.Discard())
		reg = memRegistry{}
	})

	It("executes a linear two-step workflow and materializes output", func() {
		lookup := httptest.NewServer(jsonEcho(`{"tier": "gold"}`))
		DeferCleanup(lookup.Close)
		charge := httptest.NewServer(jsonEcho(`{"chargeId": "ch_1"}`))
		DeferCleanup(charge.Close)

		reg["lookupAccount"] = &workflow.TaskDefinition{Name: "lookupAccount", HTTP: workflow.HTTPBinding{URL: lookup.URL, Method: http.MethodGet}}
		reg["chargeAccount"] = &workflow.TaskDefinition{Name: "chargeAccount", HTTP: workflow.HTTPBinding{URL: charge.URL, Method: http.MethodPost}}

		spec := &workflow.WorkflowSpec{
			Metadata: workflow.WorkflowMetadata{Name: "billing"},
			Tasks: []workflow.TaskStep{
				{ID: "lookup", TaskRef: "lookupAccount"},
				{ID: "charge", TaskRef: "chargeAccount", DependsOn: []string{"lookup"},
					Input: map[string]string{"tier": "{{ tasks.lookup.output.tier }}"}},
			},
			Output: map[string]string{"chargeId": "{{ tasks.charge.output.chargeId }}"},
		}

		orch := orchestrator.New(reg, exec, logr.Discard(), orchestrator.DefaultConfig())
		result, trace, err := orch.Execute(context.Background(), spec, map[string]interface{}{})

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Success).To(BeTrue())
		Expect(result.Output["chargeId"]).To(Equal("ch_1"))
		Expect(trace.Status).To(Equal(workflow.ExecutionSucceeded))
		Expect(trace.Tasks).To(HaveLen(2))
	})

	It("skips a step whose condition is false without dispatching HTTP", func() {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{}`))
		}))
		DeferCleanup(srv.Close)

		reg["notify"] = &workflow.TaskDefinition{Name: "notify", HTTP: workflow.HTTPBinding{URL: srv.URL, Method: http.MethodPost}}

		spec := &workflow.WorkflowSpec{
			Metadata: workflow.WorkflowMetadata{Name: "gated"},
			Tasks: []workflow.TaskStep{
				{ID: "notifyStep", TaskRef: "notify", Condition: &workflow.Condition{If: `{{ input.send }} == "true"`}},
			},
		}

		orch := orchestrator.New(reg, exec, logr.Discard(), orchestrator.DefaultConfig())
		result, trace, err := orch.Execute(context.Background(), spec, map[string]interface{}{"send": "false"})

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Success).To(BeTrue())
		Expect(called).To(BeFalse())
		Expect(trace.Tasks[0].Status).To(Equal(workflow.StepSkipped))
	})

	It("fails fast when a step errors, without starting later levels", func() {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		DeferCleanup(failing.Close)
		laterCalled := false
		later := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			laterCalled = true
			w.Write([]byte(`{}`))
		}))
		DeferCleanup(later.Close)

		reg["risky"] = &workflow.TaskDefinition{Name: "risky", HTTP: workflow.HTTPBinding{URL: failing.URL, Method: http.MethodGet},
			Retry: workflow.RetryPolicy{MaxAttempts: 1}}
		reg["after"] = &workflow.TaskDefinition{Name: "after", HTTP: workflow.HTTPBinding{URL: later.URL, Method: http.MethodGet}}

		spec := &workflow.WorkflowSpec{
			Metadata: workflow.WorkflowMetadata{Name: "chain"},
			Tasks: []workflow.TaskStep{
				{ID: "a", TaskRef: "risky"},
				{ID: "b", TaskRef: "after", DependsOn: []string{"a"}},
			},
		}

		orch := orchestrator.New(reg, exec, logr.Discard(), orchestrator.DefaultConfig())
		result, trace, err := orch.Execute(context.Background(), spec, map[string]interface{}{})

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Success).To(BeFalse())
		Expect(trace.Status).To(Equal(workflow.ExecutionFailed))
		Expect(laterCalled).To(BeFalse())
	})

	It("resolves a switch to its matching case, case-insensitively", func() {
		goldSrv := httptest.NewServer(jsonEcho(`{"plan": "gold"}`))
		DeferCleanup(goldSrv.Close)
		silverSrv := httptest.NewServer(jsonEcho(`{"plan": "silver"}`))
		DeferCleanup(silverSrv.Close)

		reg["goldPath"] = &workflow.TaskDefinition{Name: "goldPath", HTTP: workflow.HTTPBinding{URL: goldSrv.URL, Method: http.MethodGet}}
		reg["silverPath"] = &workflow.TaskDefinition{Name: "silverPath", HTTP: workflow.HTTPBinding{URL: silverSrv.URL, Method: http.MethodGet}}

		spec := &workflow.WorkflowSpec{
			Metadata: workflow.WorkflowMetadata{Name: "tiered"},
			Tasks: []workflow.TaskStep{
				{ID: "route", Switch: &workflow.Switch{
					Value: `{{ input.tier }}`,
					Cases: []workflow.SwitchCase{
						{Match: "GOLD", TaskRef: "goldPath"},
						{Match: "Silver", TaskRef: "silverPath"},
					},
				}},
			},
			Output: map[string]string{"plan": "{{ tasks.route.output.plan }}"},
		}

		orch := orchestrator.New(reg, exec, logr.Discard(), orchestrator.DefaultConfig())
		result, _, err := orch.Execute(context.Background(), spec, map[string]interface{}{"tier": "gold"})

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Success).To(BeTrue())
		Expect(result.Output["plan"]).To(Equal("gold"))
	})

	It("skips non-fatally when no switch case matches and there is no default", func() {
		spec := &workflow.WorkflowSpec{
			Metadata: workflow.WorkflowMetadata{Name: "unmatched"},
			Tasks: []workflow.TaskStep{
				{ID: "route", Switch: &workflow.Switch{
					Value: `{{ input.tier }}`,
					Cases: []workflow.SwitchCase{
						{Match: "gold", TaskRef: "goldPath"},
					},
				}},
			},
		}

		orch := orchestrator.New(reg, exec, logr.Discard(), orchestrator.DefaultConfig())
		result, trace, err := orch.Execute(context.Background(), spec, map[string]interface{}{"tier": "bronze"})

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Success).To(BeTrue())
		Expect(trace.Tasks[0].Status).To(Equal(workflow.StepSkipped))
	})

	It("expands forEach into one substep per element and aggregates success", func() {
		var mu int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu++
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"ok": true}`))
		}))
		DeferCleanup(srv.Close)

		reg["notifyOne"] = &workflow.TaskDefinition{Name: "notifyOne", HTTP: workflow.HTTPBinding{URL: srv.URL, Method: http.MethodPost}}

		spec := &workflow.WorkflowSpec{
			Metadata: workflow.WorkflowMetadata{Name: "fanout"},
			Tasks: []workflow.TaskStep{
				{ID: "notifyAll", TaskRef: "notifyOne", ForEach: &workflow.ForEach{
					Items:       `{{ input.recipients }}`,
					ItemVar:     "recipient",
					MaxParallel: 2,
				}},
			},
		}

		orch := orchestrator.New(reg, exec, logr.Discard(), orchestrator.DefaultConfig())
		result, trace, err := orch.Execute(context.Background(), spec, map[string]interface{}{
			"recipients": []interface{}{"a@x.com", "b@x.com", "c@x.com"},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Success).To(BeTrue())
		Expect(trace.Tasks).To(HaveLen(3))
	})

	It("fails a forEach step whose items do not resolve to a sequence", func() {
		reg["notifyOne"] = &workflow.TaskDefinition{Name: "notifyOne", HTTP: workflow.HTTPBinding{URL: "http://unused", Method: http.MethodPost}}

		spec := &workflow.WorkflowSpec{
			Metadata: workflow.WorkflowMetadata{Name: "badforeach"},
			Tasks: []workflow.TaskStep{
				{ID: "notifyAll", TaskRef: "notifyOne", ForEach: &workflow.ForEach{
					Items:   `{{ input.recipients }}`,
					ItemVar: "recipient",
				}},
			},
		}

		orch := orchestrator.New(reg, exec, logr.Discard(), orchestrator.DefaultConfig())
		result, _, err := orch.Execute(context.Background(), spec, map[string]interface{}{"recipients": "not-a-list"})

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Success).To(BeFalse())
	})

	It("produces actual parallel groups reflecting observed overlap", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(5 * time.Millisecond)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{}`))
		}))
		DeferCleanup(srv.Close)

		reg["task"] = &workflow.TaskDefinition{Name: "task", HTTP: workflow.HTTPBinding{URL: srv.URL, Method: http.MethodGet}}

		spec := &workflow.WorkflowSpec{
			Metadata: workflow.WorkflowMetadata{Name: "parallel"},
			Tasks: []workflow.TaskStep{
				{ID: "a", TaskRef: "task"},
				{ID: "b", TaskRef: "task"},
			},
		}

		orch := orchestrator.New(reg, exec, logr.Discard(), orchestrator.DefaultConfig())
		_, trace, err := orch.Execute(context.Background(), spec, map[string]interface{}{})

		Expect(err).NotTo(HaveOccurred())
		Expect(trace.ActualParallelGroups).NotTo(BeEmpty())
	})
})
