// Package metrics emits webhook processing metrics to CloudWatch. The
// collector is best effort: a failed publish is logged and dropped, never
// surfaced to the webhook handler.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/Curay1998/SAAS-POS-sub003/internal/types"
)

// Collector records webhook processing outcomes.
type Collector interface {
	// RecordOutcome counts one processed delivery by outcome.
	RecordOutcome(ctx context.Context, outcome types.WebhookOutcome)
	// RecordError counts one failed delivery by error code.
	RecordError(ctx context.Context, code types.ErrorCode)
	// RecordLatency records end-to-end handling time for one delivery.
	RecordLatency(ctx context.Context, d time.Duration)
}

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ Collector = (*CloudWatchCollector)(nil)

// CloudWatchCollector publishes to a CloudWatch namespace.
//
// Metrics emitted:
//   - WebhookDelivery: Dims {Outcome} -- one per acknowledged delivery
//   - WebhookError:    Dims {Code}    -- one per failed delivery
//   - WebhookLatency:  no dims        -- handling time in milliseconds
type CloudWatchCollector struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchCollector creates a collector publishing to the given
// namespace.
func NewCloudWatchCollector(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchCollector{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchCollector) RecordOutcome(ctx context.Context, outcome types.WebhookOutcome) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("WebhookDelivery"),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("Outcome"), Value: aws.String(string(outcome))},
		},
	})
}

func (m *CloudWatchCollector) RecordError(ctx context.Context, code types.ErrorCode) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("WebhookError"),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("Code"), Value: aws.String(string(code))},
		},
	})
}

func (m *CloudWatchCollector) RecordLatency(ctx context.Context, d time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("WebhookLatency"),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

func (m *CloudWatchCollector) put(ctx context.Context, datum cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to publish metric",
			"metric", aws.ToString(datum.MetricName),
			"error", err,
		)
	}
}

// NoopCollector discards every metric. Wired in local mode.
type NoopCollector struct{}

func (NoopCollector) RecordOutcome(context.Context, types.WebhookOutcome) {}
func (NoopCollector) RecordError(context.Context, types.ErrorCode)       {}
func (NoopCollector) RecordLatency(context.Context, time.Duration)       {}
