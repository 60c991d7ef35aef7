package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	kintypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/detect"
	"github.com/technosupport/kvs-infer/internal/metrics"
)

// KinesisAPI is the data-stream surface the publisher needs.
type KinesisAPI interface {
	PutRecords(ctx context.Context, in *kinesis.PutRecordsInput, opts ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
}

// ErrRecordsDropped reports that some records were lost after exhausting
// retries. The publisher keeps running.
var ErrRecordsDropped = errors.New("kds records dropped after retries")

const kdsMaxBatchSize = 500 // service-imposed PutRecords cap

// KDSConfig configures the event stream publisher.
type KDSConfig struct {
	StreamName    string
	BatchSize     int           // default and cap 500
	MaxRetries    int           // default 3
	BaseBackoff   time.Duration // default 100ms
	BucketSeconds int           // event id time bucket width, default 1
}

func (c *KDSConfig) applyDefaults() error {
	if c.StreamName == "" {
		return fmt.Errorf("kds stream_name required")
	}
	if c.BatchSize <= 0 || c.BatchSize > kdsMaxBatchSize {
		c.BatchSize = kdsMaxBatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.BucketSeconds < 1 {
		c.BucketSeconds = 1
	}
	return nil
}

// KDSMetrics is a snapshot of publisher counters.
type KDSMetrics struct {
	Published   int64 `json:"published"`
	Failed      int64 `json:"failed"`
	Retried     int64 `json:"retried"`
	BatchesSent int64 `json:"batches_sent"`
}

// KDSPublisher batches event envelopes and sends them with per-record retry.
// Safe for concurrent use by multiple workers.
type KDSPublisher struct {
	api KinesisAPI
	cfg KDSConfig
	log *zap.Logger

	mu      sync.Mutex
	buffer  []kintypes.PutRecordsRequestEntry
	metrics KDSMetrics

	// test seams
	sleep     func(time.Duration)
	randFloat func() float64
}

// NewKDSPublisher builds the publisher around a Kinesis client.
func NewKDSPublisher(api KinesisAPI, cfg KDSConfig, log *zap.Logger) (*KDSPublisher, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &KDSPublisher{
		api:       api,
		cfg:       cfg,
		log:       log.Named("kds"),
		sleep:     time.Sleep,
		randFloat: rand.Float64,
	}, nil
}

// PutEvent wraps the event in an envelope and buffers it. The buffer is sent
// when it reaches the batch size.
func (p *KDSPublisher) PutEvent(ctx context.Context, event detect.Event, partitionKey string) error {
	env := NewEnvelope(event, p.cfg.BucketSeconds)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	p.mu.Lock()
	p.buffer = append(p.buffer, kintypes.PutRecordsRequestEntry{
		Data:         data,
		PartitionKey: aws.String(partitionKey),
	})
	var batch []kintypes.PutRecordsRequestEntry
	if len(p.buffer) >= p.cfg.BatchSize {
		batch = p.buffer
		p.buffer = nil
	}
	p.mu.Unlock()

	if batch != nil {
		return p.sendBatch(ctx, batch)
	}
	return nil
}

// PutEvents buffers a list of events under one partition key and flushes.
func (p *KDSPublisher) PutEvents(ctx context.Context, events []detect.Event, partitionKey string) error {
	var firstErr error
	for _, e := range events {
		if err := p.PutEvent(ctx, e, partitionKey); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.Flush(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Flush sends any buffered records.
func (p *KDSPublisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return p.sendBatch(ctx, batch)
}

// Metrics returns a counter snapshot.
func (p *KDSPublisher) Metrics() KDSMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// sendBatch sends with exponential backoff. Partially failed batches retry
// only the failed records, preserving their submission order; whole-batch
// errors retry on throttling and drop otherwise.
func (p *KDSPublisher) sendBatch(ctx context.Context, records []kintypes.PutRecordsRequestEntry) error {
	failed := records

	for attempt := 0; attempt <= p.cfg.MaxRetries && len(failed) > 0; attempt++ {
		out, err := p.api.PutRecords(ctx, &kinesis.PutRecordsInput{
			Records:    failed,
			StreamName: aws.String(p.cfg.StreamName),
		})
		if err != nil {
			if !retryableKinesisError(err) {
				p.drop(len(failed))
				p.log.Error("kds batch permanently failed",
					zap.Int("record_count", len(failed)), zap.Error(err))
				return fmt.Errorf("put records: %w", err)
			}
			p.log.Warn("kds batch throttled",
				zap.Int("record_count", len(failed)),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if attempt < p.cfg.MaxRetries {
				p.backoff(attempt)
				p.addRetried(len(failed))
			}
			continue
		}

		if aws.ToInt32(out.FailedRecordCount) == 0 {
			p.addPublished(len(failed))
			p.addBatchSent()
			p.log.Debug("kds batch published",
				zap.String("stream_name", p.cfg.StreamName),
				zap.Int("record_count", len(failed)),
				zap.Int("attempt", attempt))
			return nil
		}

		// Re-collect exactly the failed records, in order. Records that
		// succeeded are never re-sent.
		var next []kintypes.PutRecordsRequestEntry
		for i, result := range out.Records {
			if result.ErrorCode != nil {
				next = append(next, failed[i])
				p.log.Warn("kds record failed",
					zap.String("error_code", aws.ToString(result.ErrorCode)),
					zap.String("error_message", aws.ToString(result.ErrorMessage)),
					zap.Int("attempt", attempt))
			}
		}
		p.addPublished(len(failed) - len(next))
		failed = next

		if len(failed) > 0 && attempt < p.cfg.MaxRetries {
			p.backoff(attempt)
			p.addRetried(len(failed))
		}
	}

	if len(failed) > 0 {
		p.drop(len(failed))
		p.log.Error("kds records lost after retries",
			zap.Int("failed_count", len(failed)),
			zap.Int("max_retries", p.cfg.MaxRetries))
		return fmt.Errorf("%w: %d records", ErrRecordsDropped, len(failed))
	}
	return nil
}

func (p *KDSPublisher) backoff(attempt int) {
	d := p.cfg.BaseBackoff * (1 << attempt)
	jitter := 0.8 + p.randFloat()*0.4
	p.sleep(time.Duration(float64(d) * jitter))
}

func (p *KDSPublisher) addPublished(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.metrics.Published += int64(n)
	p.mu.Unlock()
}

func (p *KDSPublisher) addBatchSent() {
	p.mu.Lock()
	p.metrics.BatchesSent++
	p.mu.Unlock()
}

func (p *KDSPublisher) addRetried(n int) {
	p.mu.Lock()
	p.metrics.Retried += int64(n)
	p.mu.Unlock()
}

func (p *KDSPublisher) drop(n int) {
	p.mu.Lock()
	p.metrics.Failed += int64(n)
	p.mu.Unlock()
	metrics.RecordPublisherFailure("kds", n)
}

// retryableKinesisError reports whether the whole batch should be retried.
func retryableKinesisError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ProvisionedThroughputExceededException", "ServiceUnavailable":
		return true
	}
	return false
}
