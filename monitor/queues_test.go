package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/health"
	"github.com/glimte/mmate-dispatch/messaging"
	"github.com/glimte/mmate-dispatch/transports/memory"
)

type brokenDepth struct {
	*memory.Adapter
}

func (brokenDepth) Depth(ctx context.Context, queue string) (int, error) {
	return 0, errors.New("queue not found")
}

func newInspected(t *testing.T, adapter messaging.QueueAdapter) (*messaging.Service, *QueueInspector) {
	t.Helper()
	svc, err := messaging.NewService(adapter,
		messaging.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		messaging.WithDequeueTimeout(10*time.Millisecond),
	)
	require.NoError(t, err)

	process := func(ctx context.Context, env *contracts.Envelope) error { return nil }
	require.NoError(t, svc.RegisterHandler("order", process, nil))
	require.NoError(t, svc.RegisterHandler("invoice", process, nil, messaging.WithQueue("billing")))

	qi := NewQueueInspector(svc, adapter)
	require.NotNil(t, qi)
	return svc, qi
}

func TestQueueInspector(t *testing.T) {
	ctx := context.Background()

	t.Run("reports ready and dead-lettered counts per type", func(t *testing.T) {
		mem := memory.New()
		svc, qi := newInspected(t, mem)

		for i := 0; i < 3; i++ {
			_, err := svc.Publish(ctx, "order", i)
			require.NoError(t, err)
		}
		env, err := contracts.NewEnvelope("invoice", 1)
		require.NoError(t, err)
		require.NoError(t, mem.Enqueue(ctx, "billing.dlq", env))

		infos := qi.Inspect(ctx)
		require.Len(t, infos, 2)
		assert.Equal(t, QueueInfo{Type: "invoice", Queue: "billing", DeadLetterQueue: "billing.dlq", DeadLetters: 1}, infos[0])
		assert.Equal(t, QueueInfo{Type: "order", Queue: "handler.order", Messages: 3, DeadLetterQueue: "handler.order.dlq"}, infos[1])
	})

	t.Run("adapters without depth get no inspector", func(t *testing.T) {
		svc, err := messaging.NewService(dlqless{memory.New()})
		require.NoError(t, err)
		assert.Nil(t, NewQueueInspector(svc, dlqless{memory.New()}))
	})

	t.Run("exports depth gauges on scrape", func(t *testing.T) {
		mem := memory.New()
		svc, qi := newInspected(t, mem)
		_, err := svc.Publish(ctx, "order", 1)
		require.NoError(t, err)

		reg := prometheus.NewRegistry()
		require.NoError(t, reg.Register(qi))

		expected := `
# HELP mmate_dispatch_queue_depth Messages waiting in a handler queue (kind=ready) or its dead-letter queue (kind=dead_letter)
# TYPE mmate_dispatch_queue_depth gauge
mmate_dispatch_queue_depth{kind="dead_letter",message_type="invoice",queue="billing.dlq"} 0
mmate_dispatch_queue_depth{kind="dead_letter",message_type="order",queue="handler.order.dlq"} 0
mmate_dispatch_queue_depth{kind="ready",message_type="invoice",queue="billing"} 0
mmate_dispatch_queue_depth{kind="ready",message_type="order",queue="handler.order"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
	})

	t.Run("health degrades on backlog and dead letters", func(t *testing.T) {
		mem := memory.New()
		svc, qi := newInspected(t, mem)

		checker := qi.Checker(2)
		assert.Equal(t, health.StatusHealthy, checker.Check(ctx).Status)

		for i := 0; i < 3; i++ {
			_, err := svc.Publish(ctx, "order", i)
			require.NoError(t, err)
		}
		result := checker.Check(ctx)
		assert.Equal(t, health.StatusDegraded, result.Status)
		assert.Contains(t, result.Message, "handler.order has 3 messages waiting")
	})

	t.Run("unreadable queues are reported, not exported", func(t *testing.T) {
		broken := brokenDepth{memory.New()}
		_, qi := newInspected(t, broken)

		infos := qi.Inspect(ctx)
		require.Len(t, infos, 2)
		assert.Contains(t, infos[0].Error, "queue not found")
		assert.Equal(t, health.StatusDegraded, qi.Checker(10).Check(ctx).Status)
		assert.Zero(t, testutil.CollectAndCount(qi))
	})
}

func TestServerQueues(t *testing.T) {
	mem := memory.New()
	f := newFixture(t, mem)
	process := func(ctx context.Context, env *contracts.Envelope) error { return nil }
	require.NoError(t, f.svc.RegisterHandler("order", process, nil))
	f.handler = NewRouter(f.svc, WithQueueInspector(NewQueueInspector(f.svc, mem)))

	rec := f.do(t, http.MethodGet, "/queues", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []QueueInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "handler.order", infos[0].Queue)

	f.handler = NewRouter(f.svc)
	rec = f.do(t, http.MethodGet, "/queues", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
