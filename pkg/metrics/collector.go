package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow/pkg/model"
)

const scrapeTimeout = 5 * time.Second

// StatusCounter reports how many records sit in each status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[model.MessageStatus]int64, error)
}

// BacklogCollector exports record counts per status, read from the store at
// scrape time.
type BacklogCollector struct {
	counter StatusCounter
	logger  *zap.Logger

	messages     *prometheus.Desc
	scrapeErrors prometheus.Counter
}

func NewBacklogCollector(counter StatusCounter, logger *zap.Logger) *BacklogCollector {
	return &BacklogCollector{
		counter: counter,
		logger:  logger,
		messages: prometheus.NewDesc(
			"storeflow_messages",
			"Number of stored messages by status.",
			[]string{"status"},
			nil,
		),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storeflow_backlog_scrape_errors_total",
			Help: "Total number of failed backlog scrapes.",
		}),
	}
}

func (c *BacklogCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messages
	c.scrapeErrors.Describe(ch)
}

func (c *BacklogCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	counts, err := c.counter.CountByStatus(ctx)
	if err != nil {
		c.scrapeErrors.Inc()
		c.logger.Warn("failed to count messages by status", zap.Error(err))
	} else {
		for _, status := range []model.MessageStatus{model.StatusPending, model.StatusProcessed, model.StatusFailed} {
			ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(counts[status]), string(status))
		}
	}
	c.scrapeErrors.Collect(ch)
}
