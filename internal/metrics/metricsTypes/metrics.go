package metricsTypes

import "time"

type IMetricsClient interface {
	Incr(name string, labels []MetricsLabel, value float64) error
	Gauge(name string, value float64, labels []MetricsLabel) error
	Timing(name string, value time.Duration, labels []MetricsLabel) error
}

type MetricsLabel struct {
	Name  string
	Value string
}

type MetricsType string

var (
	MetricsType_Incr   MetricsType = "incr"
	MetricsType_Gauge  MetricsType = "gauge"
	MetricsType_Timing MetricsType = "timing"
)

type MetricsTypeConfig struct {
	Name   string
	Labels []string
}

const (
	Label_Subscriber = "subscriber"
	Label_Reason     = "reason"
)

var (
	Metric_Incr_BlockProcessed        = "block_processed"
	Metric_Incr_LogProcessed          = "subscriber_log_processed"
	Metric_Incr_LogNotRecognized      = "subscriber_log_not_recognized"
	Metric_Incr_LogDecodeFailed       = "subscriber_log_decode_failed"
	Metric_Incr_LogApplyFailed        = "subscriber_log_apply_failed"
	Metric_Incr_Resync                = "subscriber_resync"
	Metric_Incr_FallbackRegeneration  = "subscriber_fallback_regeneration"
	Metric_Incr_RegenerationFailed    = "subscriber_regeneration_failed"
	Metric_Incr_PriceFeedRefresh      = "price_feed_refresh"
	Metric_Incr_PriceFeedRefreshError = "price_feed_refresh_error"
	Metric_Incr_HttpRequest           = "rpc_http_request"

	Metric_Gauge_CurrentBlockHeight  = "current_block_height"
	Metric_Gauge_SubscriberBlock     = "subscriber_block"
	Metric_Gauge_SubscriberSnapshots = "subscriber_snapshots"

	Metric_Timing_RegenerationDuration = "subscriber_regeneration_duration"
	Metric_Timing_BlockProcessDuration = "block_process_duration"
	Metric_Timing_HttpDuration         = "rpc_http_duration"
)

var MetricTypes = map[MetricsType][]MetricsTypeConfig{
	MetricsType_Incr: {
		MetricsTypeConfig{
			Name:   Metric_Incr_BlockProcessed,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_LogProcessed,
			Labels: []string{Label_Subscriber},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_LogNotRecognized,
			Labels: []string{Label_Subscriber},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_LogDecodeFailed,
			Labels: []string{Label_Subscriber},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_LogApplyFailed,
			Labels: []string{Label_Subscriber},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_Resync,
			Labels: []string{Label_Subscriber, Label_Reason},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_FallbackRegeneration,
			Labels: []string{Label_Subscriber},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_RegenerationFailed,
			Labels: []string{Label_Subscriber},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_PriceFeedRefresh,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_PriceFeedRefreshError,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_HttpRequest,
			Labels: []string{"path"},
		},
	},
	MetricsType_Gauge: {
		MetricsTypeConfig{
			Name:   Metric_Gauge_CurrentBlockHeight,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Gauge_SubscriberBlock,
			Labels: []string{Label_Subscriber},
		},
		MetricsTypeConfig{
			Name:   Metric_Gauge_SubscriberSnapshots,
			Labels: []string{Label_Subscriber},
		},
	},
	MetricsType_Timing: {
		MetricsTypeConfig{
			Name:   Metric_Timing_RegenerationDuration,
			Labels: []string{Label_Subscriber},
		},
		MetricsTypeConfig{
			Name:   Metric_Timing_BlockProcessDuration,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Timing_HttpDuration,
			Labels: []string{"path"},
		},
	},
}
