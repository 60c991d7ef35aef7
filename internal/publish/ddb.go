package publish

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/metrics"
)

// DynamoAPI is the table surface the metadata writer needs.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

const (
	ddbBatchSize  = 25 // service-imposed BatchWriteItem cap
	ddbCameraGSI  = "camera_id-ts_ms-index"
	ddbQueryLimit = 100
)

// DDBConfig configures the metadata store writer.
type DDBConfig struct {
	TableName   string
	TTLDays     int           // 0 disables expiry
	MaxRetries  int           // unprocessed-item retries, default 3
	BaseBackoff time.Duration // default 100ms
}

// DDBMetrics is a snapshot of writer counters.
type DDBMetrics struct {
	Written     int64 `json:"written"`
	Failed      int64 `json:"failed"`
	BatchesSent int64 `json:"batches_sent"`
}

// DDBWriter persists event envelopes, one item per event. DynamoDB rejects
// native floats, so every float in the payload is written as a number
// attribute from its decimal string form.
type DDBWriter struct {
	api DynamoAPI
	cfg DDBConfig
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	metrics DDBMetrics

	// test seams
	sleep     func(time.Duration)
	randFloat func() float64
}

// NewDDBWriter builds the writer around a DynamoDB client.
func NewDDBWriter(api DynamoAPI, cfg DDBConfig, log *zap.Logger) (*DDBWriter, error) {
	if cfg.TableName == "" {
		return nil, fmt.Errorf("ddb table_name required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	return &DDBWriter{
		api:       api,
		cfg:       cfg,
		log:       log.Named("ddb"),
		now:       time.Now,
		sleep:     time.Sleep,
		randFloat: rand.Float64,
	}, nil
}

// PutEvent writes a single envelope. Returns false on failure; the writer
// keeps running.
func (w *DDBWriter) PutEvent(ctx context.Context, env Envelope) bool {
	item := w.buildItem(env)
	_, err := w.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(w.cfg.TableName),
		Item:      item,
	})
	if err != nil {
		w.fail(1)
		w.log.Error("ddb put failed",
			zap.String("event_id", env.EventID),
			zap.String("camera_id", env.CameraID),
			zap.Error(err))
		return false
	}

	w.mu.Lock()
	w.metrics.Written++
	w.mu.Unlock()

	w.log.Debug("ddb event written",
		zap.String("event_id", env.EventID),
		zap.String("camera_id", env.CameraID),
		zap.String("event_type", env.Payload.Type))
	return true
}

// PutEvents writes envelopes in service-limit chunks.
func (w *DDBWriter) PutEvents(ctx context.Context, envs []Envelope) bool {
	ok := true
	for start := 0; start < len(envs); start += ddbBatchSize {
		end := start + ddbBatchSize
		if end > len(envs) {
			end = len(envs)
		}
		if !w.writeBatch(ctx, envs[start:end]) {
			ok = false
		}
	}
	return ok
}

// writeBatch sends one chunk, retrying unprocessed items with jittered
// exponential backoff. The service returns unprocessed items under
// throttling; they must be re-sent, not counted as written.
func (w *DDBWriter) writeBatch(ctx context.Context, envs []Envelope) bool {
	remaining := make([]ddbtypes.WriteRequest, 0, len(envs))
	for _, env := range envs {
		remaining = append(remaining, ddbtypes.WriteRequest{
			PutRequest: &ddbtypes.PutRequest{Item: w.buildItem(env)},
		})
	}

	for attempt := 0; attempt <= w.cfg.MaxRetries && len(remaining) > 0; attempt++ {
		out, err := w.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]ddbtypes.WriteRequest{
				w.cfg.TableName: remaining,
			},
		})
		if err != nil {
			w.fail(len(remaining))
			w.log.Error("ddb batch write failed",
				zap.Int("batch_size", len(remaining)), zap.Error(err))
			return false
		}

		unprocessed := out.UnprocessedItems[w.cfg.TableName]
		w.addWritten(len(remaining) - len(unprocessed))

		if len(unprocessed) == 0 {
			w.mu.Lock()
			w.metrics.BatchesSent++
			w.mu.Unlock()
			return true
		}

		remaining = unprocessed
		w.log.Warn("ddb batch partially unprocessed",
			zap.Int("unprocessed_count", len(remaining)),
			zap.Int("attempt", attempt))
		if attempt < w.cfg.MaxRetries {
			w.backoff(attempt)
		}
	}

	w.fail(len(remaining))
	w.log.Error("ddb items lost after retries",
		zap.Int("unprocessed_count", len(remaining)),
		zap.Int("max_retries", w.cfg.MaxRetries))
	return false
}

func (w *DDBWriter) backoff(attempt int) {
	d := w.cfg.BaseBackoff * (1 << attempt)
	jitter := 0.8 + w.randFloat()*0.4
	w.sleep(time.Duration(float64(d) * jitter))
}

func (w *DDBWriter) addWritten(n int) {
	if n <= 0 {
		return
	}
	w.mu.Lock()
	w.metrics.Written += int64(n)
	w.mu.Unlock()
}

// StoredEvent is an item read back from the camera time-range index.
type StoredEvent struct {
	EventID  string         `dynamodbav:"event_id"`
	CameraID string         `dynamodbav:"camera_id"`
	Producer string         `dynamodbav:"producer"`
	TSMs     int64          `dynamodbav:"ts_ms"`
	Type     string         `dynamodbav:"type"`
	Label    string         `dynamodbav:"label"`
	Conf     float64        `dynamodbav:"conf"`
	BBox     []float64      `dynamodbav:"bbox"`
	Extras   map[string]any `dynamodbav:"extras"`
}

// QueryByCamera returns events for a camera in [startTsMs, endTsMs], newest
// first, via the camera_id-ts_ms-index GSI. Zero bounds are open.
func (w *DDBWriter) QueryByCamera(ctx context.Context, cameraID string, startTsMs, endTsMs int64, limit int32) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = ddbQueryLimit
	}

	keyCond := "camera_id = :cam"
	values := map[string]ddbtypes.AttributeValue{
		":cam": &ddbtypes.AttributeValueMemberS{Value: cameraID},
	}
	switch {
	case startTsMs > 0 && endTsMs > 0:
		keyCond += " AND ts_ms BETWEEN :start AND :end"
		values[":start"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(startTsMs, 10)}
		values[":end"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(endTsMs, 10)}
	case startTsMs > 0:
		keyCond += " AND ts_ms >= :start"
		values[":start"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(startTsMs, 10)}
	case endTsMs > 0:
		keyCond += " AND ts_ms <= :end"
		values[":end"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(endTsMs, 10)}
	}

	out, err := w.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(w.cfg.TableName),
		IndexName:                 aws.String(ddbCameraGSI),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeValues: values,
		Limit:                     aws.Int32(limit),
		ScanIndexForward:          aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("query camera %s: %w", cameraID, err)
	}

	events := make([]StoredEvent, 0, len(out.Items))
	for _, item := range out.Items {
		var ev StoredEvent
		if err := attributevalue.UnmarshalMap(item, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal item: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Metrics returns a counter snapshot.
func (w *DDBWriter) Metrics() DDBMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

// buildItem flattens the envelope payload into a single item and applies the
// optional TTL.
func (w *DDBWriter) buildItem(env Envelope) map[string]ddbtypes.AttributeValue {
	bbox := make([]ddbtypes.AttributeValue, 0, 4)
	for _, v := range env.Payload.BBox {
		bbox = append(bbox, numberAttr(v))
	}

	item := map[string]ddbtypes.AttributeValue{
		"event_id":  &ddbtypes.AttributeValueMemberS{Value: env.EventID},
		"camera_id": &ddbtypes.AttributeValueMemberS{Value: env.CameraID},
		"producer":  &ddbtypes.AttributeValueMemberS{Value: env.Producer},
		"ts_ms":     &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(env.Payload.TSMs, 10)},
		"type":      &ddbtypes.AttributeValueMemberS{Value: env.Payload.Type},
		"label":     &ddbtypes.AttributeValueMemberS{Value: env.Payload.Label},
		"conf":      numberAttr(env.Payload.Conf),
		"bbox":      &ddbtypes.AttributeValueMemberL{Value: bbox},
		"extras":    attrValue(env.Payload.Extras),
	}

	if w.cfg.TTLDays > 0 {
		ttl := w.now().Unix() + int64(w.cfg.TTLDays)*86400
		item["ttl"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)}
	}
	return item
}

func (w *DDBWriter) fail(n int) {
	w.mu.Lock()
	w.metrics.Failed += int64(n)
	w.mu.Unlock()
	metrics.RecordPublisherFailure("ddb", n)
}

func numberAttr(v float64) ddbtypes.AttributeValue {
	return &ddbtypes.AttributeValueMemberN{Value: strconv.FormatFloat(v, 'f', -1, 64)}
}

// attrValue converts an open extras value recursively; floats become number
// attributes in decimal string form.
func attrValue(v any) ddbtypes.AttributeValue {
	switch val := v.(type) {
	case nil:
		return &ddbtypes.AttributeValueMemberNULL{Value: true}
	case bool:
		return &ddbtypes.AttributeValueMemberBOOL{Value: val}
	case string:
		return &ddbtypes.AttributeValueMemberS{Value: val}
	case int:
		return &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(val)}
	case int64:
		return &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(val, 10)}
	case float64:
		return numberAttr(val)
	case float32:
		return numberAttr(float64(val))
	case []any:
		list := make([]ddbtypes.AttributeValue, 0, len(val))
		for _, item := range val {
			list = append(list, attrValue(item))
		}
		return &ddbtypes.AttributeValueMemberL{Value: list}
	case map[string]any:
		m := make(map[string]ddbtypes.AttributeValue, len(val))
		for k, item := range val {
			m[k] = attrValue(item)
		}
		return &ddbtypes.AttributeValueMemberM{Value: m}
	default:
		return &ddbtypes.AttributeValueMemberS{Value: fmt.Sprintf("%v", val)}
	}
}
