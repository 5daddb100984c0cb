package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-dispatch/health"
	"github.com/glimte/mmate-dispatch/messaging"
)

// QueueInfo is the backlog of one handler queue and its dead-letter queue
type QueueInfo struct {
	Type            string `json:"type"`
	Queue           string `json:"queue"`
	Messages        int    `json:"messages"`
	DeadLetterQueue string `json:"deadLetterQueue,omitempty"`
	DeadLetters     int    `json:"deadLetters"`
	Error           string `json:"error,omitempty"`
}

// QueueInspector reads the backlog of every registered handler queue.
// It is also a prometheus.Collector that inspects on scrape.
type QueueInspector struct {
	svc       *messaging.Service
	inspector messaging.QueueInspector
	dlq       messaging.DeadLetterSource
	timeout   time.Duration

	depthDesc *prometheus.Desc
}

// NewQueueInspector returns nil when adapter cannot report queue depth
func NewQueueInspector(svc *messaging.Service, adapter messaging.QueueAdapter) *QueueInspector {
	inspector, ok := adapter.(messaging.QueueInspector)
	if !ok {
		return nil
	}
	dlq, _ := adapter.(messaging.DeadLetterSource)

	return &QueueInspector{
		svc:       svc,
		inspector: inspector,
		dlq:       dlq,
		timeout:   5 * time.Second,
		depthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "queue_depth"),
			"Messages waiting in a handler queue (kind=ready) or its dead-letter queue (kind=dead_letter)",
			[]string{"message_type", "queue", "kind"},
			nil,
		),
	}
}

// Inspect reports every registered type, sorted by type. A queue that cannot
// be read carries the error instead of counts.
func (qi *QueueInspector) Inspect(ctx context.Context) []QueueInfo {
	registry := qi.svc.Registry()
	types := registry.Types()
	sort.Strings(types)

	infos := make([]QueueInfo, 0, len(types))
	for _, typeID := range types {
		reg, err := registry.Lookup(typeID)
		if err != nil {
			continue
		}

		info := QueueInfo{Type: typeID, Queue: reg.Options.Queue}
		info.Messages, err = qi.inspector.Depth(ctx, info.Queue)
		if err != nil {
			info.Error = fmt.Sprintf("failed to inspect queue %s: %v", info.Queue, err)
			infos = append(infos, info)
			continue
		}

		if qi.dlq != nil {
			info.DeadLetterQueue = qi.dlq.DeadLetterQueue(info.Queue)
		}
		if info.DeadLetterQueue != "" {
			info.DeadLetters, err = qi.inspector.Depth(ctx, info.DeadLetterQueue)
			if err != nil {
				info.Error = fmt.Sprintf("failed to inspect queue %s: %v", info.DeadLetterQueue, err)
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// Checker degrades health when a queue holds more than maxBacklog messages,
// when dead letters are waiting, or when a queue cannot be read
func (qi *QueueInspector) Checker(maxBacklog int) health.Checker {
	return health.NewCheckerFunc("queues", func(ctx context.Context) health.CheckResult {
		start := time.Now()
		result := health.CheckResult{
			Name:      "queues",
			Status:    health.StatusHealthy,
			Message:   "queues are healthy",
			Timestamp: start,
			Details:   make(map[string]any),
		}

		var problems []string
		for _, info := range qi.Inspect(ctx) {
			result.Details[info.Type] = info
			switch {
			case info.Error != "":
				problems = append(problems, info.Error)
			case info.Messages > maxBacklog:
				problems = append(problems, fmt.Sprintf("%s has %d messages waiting", info.Queue, info.Messages))
			case info.DeadLetters > 0:
				problems = append(problems, fmt.Sprintf("%s holds %d dead letters", info.DeadLetterQueue, info.DeadLetters))
			}
		}

		if len(problems) > 0 {
			result.Status = health.StatusDegraded
			result.Message = problems[0]
			if len(problems) > 1 {
				result.Message = fmt.Sprintf("%s (and %d more)", problems[0], len(problems)-1)
			}
		}
		result.Duration = time.Since(start)
		return result
	})
}

// Describe implements prometheus.Collector
func (qi *QueueInspector) Describe(ch chan<- *prometheus.Desc) {
	ch <- qi.depthDesc
}

// Collect implements prometheus.Collector. Unreadable queues are skipped.
func (qi *QueueInspector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), qi.timeout)
	defer cancel()

	for _, info := range qi.Inspect(ctx) {
		if info.Error != "" {
			continue
		}
		ch <- prometheus.MustNewConstMetric(qi.depthDesc, prometheus.GaugeValue,
			float64(info.Messages), info.Type, info.Queue, "ready")
		if info.DeadLetterQueue != "" {
			ch <- prometheus.MustNewConstMetric(qi.depthDesc, prometheus.GaugeValue,
				float64(info.DeadLetters), info.Type, info.DeadLetterQueue, "dead_letter")
		}
	}
}
