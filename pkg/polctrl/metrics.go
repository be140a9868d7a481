package polctrl

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSuccess    = "success"
	resultRuleErrors = "rule_errors"
	resultFailed     = "failed"
	resultPushed     = "pushed"
	resultUnchanged  = "unchanged"
	resultStale      = "stale"
)

var (
	compilationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netpol_compilations_total",
		Help: "Number of endpoint compilations by direction and outcome",
	}, []string{"direction", "result"})

	compileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netpol_compile_duration_seconds",
		Help:    "Time it has taken to compile the tables of one endpoint direction",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"direction"})

	tablePushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netpol_table_pushes_total",
		Help: "Number of access table pushes to the datapath by direction and outcome",
	}, []string{"direction", "result"})

	tableRows = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netpol_table_rows",
		Help: "Rows of the last compiled table, by table",
	}, []string{"table"})
)

var registerMetricsOnce sync.Once

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(compilationsTotal)
		prometheus.MustRegister(compileDuration)
		prometheus.MustRegister(tablePushesTotal)
		prometheus.MustRegister(tableRows)
	})
}
