package repository_test

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	wferrors "github.com/jordigilh/workflowcore/internal/errors"
	"github.com/jordigilh/workflowcore/pkg/repository"
	"github.com/jordigilh/workflowcore/pkg/workflow"
)

var _ = Describe("ExecutionRepository", func() {
	var (
		ctx  context.Context
		repo *repository.ExecutionRepository
		db   *sqlx.DB
		mock sqlmock.Sqlmock
	)

	BeforeEach(func() {
		ctx = context.Background()

		mockDB, mockSQL, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		db = sqlx.NewDb(mockDB, "sqlmock")
		mock = mockSQL
		repo = repository.NewWithDB(db)
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("SaveExecution", func() {
		It("inserts the execution row and one task row per task record inside a transaction", func() {
			tr := &workflow.Trace{
				ExecutionID:  "exec-1",
				WorkflowName: "billing",
				Status:       workflow.ExecutionSucceeded,
				StartedAt:    time.Now(),
				CompletedAt:  time.Now(),
			}
			records := []workflow.TaskExecutionRecord{
				{ExecutionID: "exec-1", StepID: "charge", Status: workflow.StepSucceeded, StartedAt: time.Now(), CompletedAt: time.Now()},
			}

			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO workflow_executions").
				WithArgs("exec-1", "billing", "Succeeded", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec("INSERT INTO workflow_task_executions").
				WithArgs("exec-1", "charge", "Succeeded", sqlmock.AnyArg(), sqlmock.AnyArg(), 0, int64(0), "", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			err := repo.SaveExecution(ctx, tr, records)
			Expect(err).NotTo(HaveOccurred())
		})

		It("rolls back when the execution insert fails", func() {
			tr := &workflow.Trace{ExecutionID: "exec-2", WorkflowName: "billing", Status: workflow.ExecutionFailed}

			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO workflow_executions").
				WillReturnError(sqlmock.ErrCancelled)
			mock.ExpectRollback()

			err := repo.SaveExecution(ctx, tr, nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("GetTrace", func() {
		It("returns NotFound when no execution row matches", func() {
			mock.ExpectQuery("SELECT execution_id, workflow_name, status, started_at, completed_at, error").
				WithArgs("missing").
				WillReturnRows(sqlmock.NewRows([]string{"execution_id", "workflow_name", "status", "started_at", "completed_at", "error"}))

			_, _, err := repo.GetTrace(ctx, "missing")
			Expect(err).To(HaveOccurred())
			Expect(wferrors.IsKind(err, wferrors.KindNotFound)).To(BeTrue())
		})

		It("reconstructs the trace and task records for a known execution", func() {
			now := time.Now()
			mock.ExpectQuery("SELECT execution_id, workflow_name, status, started_at, completed_at, error").
				WithArgs("exec-1").
				WillReturnRows(sqlmock.NewRows([]string{"execution_id", "workflow_name", "status", "started_at", "completed_at", "error"}).
					AddRow("exec-1", "billing", "Succeeded", now, now, nil))

			mock.ExpectQuery("SELECT step_id, status, output, error, retry_count, duration_ms, resolved_url, http_method, started_at, completed_at").
				WithArgs("exec-1").
				WillReturnRows(sqlmock.NewRows([]string{"step_id", "status", "output", "error", "retry_count", "duration_ms", "resolved_url", "http_method", "started_at", "completed_at"}).
					AddRow("charge", "Succeeded", []byte(`{"chargeId":"ch_1"}`), nil, 0, int64(120), "http://x/charge", "POST", now, now))

			tr, records, err := repo.GetTrace(ctx, "exec-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(tr.ExecutionID).To(Equal("exec-1"))
			Expect(records).To(HaveLen(1))
			Expect(records[0].Output["chargeId"]).To(Equal("ch_1"))
		})
	})

	Describe("ListExecutions", func() {
		It("filters by workflowName alone and applies the default 20-row take", func() {
			now := time.Now()
			mock.ExpectQuery("SELECT execution_id, workflow_name, status, started_at, completed_at").
				WithArgs("billing", 0, 20).
				WillReturnRows(sqlmock.NewRows([]string{"execution_id", "workflow_name", "status", "started_at", "completed_at"}).
					AddRow("exec-1", "billing", "Succeeded", now, now))

			rows, err := repo.ListExecutions(ctx, "billing", nil, 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].ExecutionID).To(Equal("exec-1"))
		})

		It("filters by status and caps take at 20 when a larger value is requested", func() {
			status := workflow.ExecutionFailed
			mock.ExpectQuery("SELECT execution_id, workflow_name, status, started_at, completed_at").
				WithArgs("billing", "Failed", 5, 20).
				WillReturnRows(sqlmock.NewRows([]string{"execution_id", "workflow_name", "status", "started_at", "completed_at"}))

			rows, err := repo.ListExecutions(ctx, "billing", &status, 5, 500)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(BeEmpty())
		})
	})
})
