package retrycounter_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/workflowcore/internal/retrycounter"
)

func TestRetryCounter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Retry Counter Suite")
}

var _ = Describe("Counter", func() {
	var (
		ctx    context.Context
		server *miniredis.Miniredis
		client *redis.Client
		ctr    *retrycounter.Counter
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		server, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())

		client = redis.NewClient(&redis.Options{Addr: server.Addr()})
		ctr = retrycounter.New(client, 0)
	})

	AfterEach(func() {
		server.Close()
	})

	It("starts at zero for an unseen key", func() {
		count, err := ctr.Get(ctx, "exec-1", "step-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(int64(0)))
	})

	It("increments monotonically per (executionID, stepID)", func() {
		_, err := ctr.Increment(ctx, "exec-1", "step-a")
		Expect(err).NotTo(HaveOccurred())
		count, err := ctr.Increment(ctx, "exec-1", "step-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(int64(2)))
	})

	It("keeps separate counters per step", func() {
		_, _ = ctr.Increment(ctx, "exec-1", "step-a")
		_, _ = ctr.Increment(ctx, "exec-1", "step-b")
		a, _ := ctr.Get(ctx, "exec-1", "step-a")
		b, _ := ctr.Get(ctx, "exec-1", "step-b")
		Expect(a).To(Equal(int64(1)))
		Expect(b).To(Equal(int64(1)))
	})

	It("resets a counter back to zero", func() {
		_, _ = ctr.Increment(ctx, "exec-1", "step-a")
		Expect(ctr.Reset(ctx, "exec-1", "step-a")).To(Succeed())
		count, err := ctr.Get(ctx, "exec-1", "step-a")
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(int64(0)))
	})
})
