package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "climalog_build_info",
		Help: "Build information of the climalog poller",
	}, []string{"version", "commit", "date"})

	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "climalog_polls_total", Help: "Device poll pipelines by final result.",
	}, []string{"source", "result"})
	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "climalog_poll_duration_seconds",
		Help:    "Wall time of one device poll pipeline.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 150, 300},
	}, []string{"source"})
	LastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "climalog_last_success_timestamp_seconds", Help: "Unix time of the last committed poll per source.",
	}, []string{"source"})

	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "climalog_fetch_attempts_total", Help: "Send-then-receive cycles against a device.",
	}, []string{"source", "result"})
	AckErrs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "climalog_ack_errors_total", Help: "Acknowledgments that could not be sent.",
	}, []string{"source"})

	DecodeErrs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "climalog_decode_errors_total", Help: "Frames discarded by the decoder.",
	}, []string{"source", "reason"})

	SamplesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "climalog_samples_written_total", Help: "Samples committed to the store.",
	}, []string{"source"})
	SamplesDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "climalog_samples_discarded_total", Help: "Samples dropped by range validation.",
	}, []string{"source"})
	StoreErrs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "climalog_store_errors_total", Help: "Write transactions rolled back.",
	}, []string{"source"})

	PublishErrs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "climalog_publish_errors_total", Help: "Batches that could not be published to MQTT.",
	}, []string{"source"})
)
