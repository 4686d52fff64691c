package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datalake_exporter",
		Name:      "rows_exported_total",
		Help:      "Rows successfully written to the warehouse.",
	}, []string{"blueprint"})

	rowsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datalake_exporter",
		Name:      "rows_failed_total",
		Help:      "Rows lost to coercion failures or exhausted write retries.",
	}, []string{"blueprint"})

	rowsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datalake_exporter",
		Name:      "rows_skipped_total",
		Help:      "Entities removed by include/exclude filters.",
	}, []string{"blueprint"})

	batchesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datalake_exporter",
		Name:      "batches_written_total",
		Help:      "Streaming insert batches acknowledged by the warehouse.",
	}, []string{"blueprint"})

	writeRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datalake_exporter",
		Name:      "write_retries_total",
		Help:      "Batch write attempts that had to be retried.",
	}, []string{"blueprint"})
)
