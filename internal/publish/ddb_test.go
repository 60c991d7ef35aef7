package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/detect"
)

type fakeDynamo struct {
	puts    []*dynamodb.PutItemInput
	batches []*dynamodb.BatchWriteItemInput
	queries []*dynamodb.QueryInput
	err     error
	items   []map[string]ddbtypes.AttributeValue

	// scripted BatchWriteItem responses, consumed in order; exhausted
	// scripts fall back to full success.
	batchResponses []func(in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error)
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.batches = append(f.batches, in)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batchResponses) > 0 {
		resp := f.batchResponses[0]
		f.batchResponses = f.batchResponses[1:]
		return resp(in)
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

// leaveUnprocessed returns the last n requests of the batch as unprocessed.
func leaveUnprocessed(n int) func(in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
	return func(in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
		reqs := in.RequestItems["events"]
		if n > len(reqs) {
			n = len(reqs)
		}
		return &dynamodb.BatchWriteItemOutput{
			UnprocessedItems: map[string][]ddbtypes.WriteRequest{
				"events": reqs[len(reqs)-n:],
			},
		}, nil
	}
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, in)
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.QueryOutput{Items: f.items}, nil
}

func newTestDDB(t *testing.T, api DynamoAPI, ttlDays int) *DDBWriter {
	t.Helper()
	w, err := NewDDBWriter(api, DDBConfig{TableName: "events", TTLDays: ttlDays}, zap.NewNop())
	require.NoError(t, err)
	w.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	w.sleep = func(time.Duration) {}
	w.randFloat = func() float64 { return 0.5 }
	return w
}

func testEnvelope() Envelope {
	return NewEnvelope(detect.Event{
		CameraID: "cam-a",
		Type:     "weapon",
		Label:    "gun",
		Conf:     0.87,
		BBox:     [4]float64{10.5, 20, 110.5, 220},
		TSMs:     1234,
		Extras: map[string]any{
			"det_hash": "abc123",
			"ocr_conf": 0.91,
			"nested":   map[string]any{"score": 0.5},
			"counts":   []any{1, 2.5},
		},
	}, 1)
}

func TestPutEventWritesFlattenedItem(t *testing.T) {
	api := &fakeDynamo{}
	w := newTestDDB(t, api, 0)

	ok := w.PutEvent(context.Background(), testEnvelope())
	require.True(t, ok)
	require.Len(t, api.puts, 1)

	item := api.puts[0].Item
	assert.Equal(t, "events", *api.puts[0].TableName)
	assert.Equal(t, "cam-a", item["camera_id"].(*ddbtypes.AttributeValueMemberS).Value)
	assert.Equal(t, ProducerVersion, item["producer"].(*ddbtypes.AttributeValueMemberS).Value)
	assert.Equal(t, "1234", item["ts_ms"].(*ddbtypes.AttributeValueMemberN).Value)
	assert.Equal(t, "weapon", item["type"].(*ddbtypes.AttributeValueMemberS).Value)
	assert.Equal(t, "gun", item["label"].(*ddbtypes.AttributeValueMemberS).Value)
	_, hasTTL := item["ttl"]
	assert.False(t, hasTTL)

	assert.Equal(t, int64(1), w.Metrics().Written)
}

func TestFloatsBecomeNumberAttributes(t *testing.T) {
	api := &fakeDynamo{}
	w := newTestDDB(t, api, 0)
	require.True(t, w.PutEvent(context.Background(), testEnvelope()))
	item := api.puts[0].Item

	// Top-level float.
	conf, ok := item["conf"].(*ddbtypes.AttributeValueMemberN)
	require.True(t, ok)
	assert.Equal(t, "0.87", conf.Value)

	// Floats inside the bbox list.
	bbox, ok := item["bbox"].(*ddbtypes.AttributeValueMemberL)
	require.True(t, ok)
	require.Len(t, bbox.Value, 4)
	assert.Equal(t, "10.5", bbox.Value[0].(*ddbtypes.AttributeValueMemberN).Value)

	// Floats nested arbitrarily deep in extras.
	extras, ok := item["extras"].(*ddbtypes.AttributeValueMemberM)
	require.True(t, ok)
	assert.Equal(t, "0.91", extras.Value["ocr_conf"].(*ddbtypes.AttributeValueMemberN).Value)
	assert.Equal(t, "abc123", extras.Value["det_hash"].(*ddbtypes.AttributeValueMemberS).Value)

	nested := extras.Value["nested"].(*ddbtypes.AttributeValueMemberM)
	assert.Equal(t, "0.5", nested.Value["score"].(*ddbtypes.AttributeValueMemberN).Value)

	counts := extras.Value["counts"].(*ddbtypes.AttributeValueMemberL)
	assert.Equal(t, "1", counts.Value[0].(*ddbtypes.AttributeValueMemberN).Value)
	assert.Equal(t, "2.5", counts.Value[1].(*ddbtypes.AttributeValueMemberN).Value)
}

func TestTTLApplied(t *testing.T) {
	api := &fakeDynamo{}
	w := newTestDDB(t, api, 30)
	require.True(t, w.PutEvent(context.Background(), testEnvelope()))

	ttl := api.puts[0].Item["ttl"].(*ddbtypes.AttributeValueMemberN)
	assert.Equal(t, "1702592000", ttl.Value) // 1_700_000_000 + 30*86400
}

func TestPutEventsChunks(t *testing.T) {
	api := &fakeDynamo{}
	w := newTestDDB(t, api, 0)

	envs := make([]Envelope, 60)
	for i := range envs {
		envs[i] = testEnvelope()
	}
	require.True(t, w.PutEvents(context.Background(), envs))

	// 60 items split 25/25/10.
	require.Len(t, api.batches, 3)
	assert.Len(t, api.batches[0].RequestItems["events"], 25)
	assert.Len(t, api.batches[1].RequestItems["events"], 25)
	assert.Len(t, api.batches[2].RequestItems["events"], 10)

	m := w.Metrics()
	assert.Equal(t, int64(60), m.Written)
	assert.Equal(t, int64(3), m.BatchesSent)
}

func TestBatchWriteRetriesUnprocessedItems(t *testing.T) {
	api := &fakeDynamo{
		batchResponses: []func(in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error){
			leaveUnprocessed(1),
		},
	}
	w := newTestDDB(t, api, 0)
	var sleeps []time.Duration
	w.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	envs := []Envelope{testEnvelope(), testEnvelope(), testEnvelope()}
	require.True(t, w.PutEvents(context.Background(), envs))

	// The retry carries only the unprocessed item.
	require.Len(t, api.batches, 2)
	assert.Len(t, api.batches[0].RequestItems["events"], 3)
	assert.Len(t, api.batches[1].RequestItems["events"], 1)
	require.Len(t, sleeps, 1)
	assert.Equal(t, 100*time.Millisecond, sleeps[0]) // midpoint jitter

	m := w.Metrics()
	assert.Equal(t, int64(3), m.Written)
	assert.Equal(t, int64(1), m.BatchesSent)
	assert.Zero(t, m.Failed)
}

func TestBatchWriteDropsUnprocessedAfterMaxRetries(t *testing.T) {
	stall := leaveUnprocessed(2)
	api := &fakeDynamo{
		batchResponses: []func(in *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error){
			stall, stall, stall, stall,
		},
	}
	w := newTestDDB(t, api, 0)

	envs := []Envelope{testEnvelope(), testEnvelope()}
	assert.False(t, w.PutEvents(context.Background(), envs))

	// Attempts 0..3 with default MaxRetries 3; the stuck items count as
	// failed, never as written.
	assert.Len(t, api.batches, 4)
	m := w.Metrics()
	assert.Equal(t, int64(2), m.Failed)
	assert.Zero(t, m.Written)
	assert.Zero(t, m.BatchesSent)
}

func TestPutEventFailureCounted(t *testing.T) {
	api := &fakeDynamo{err: errors.New("boom")}
	w := newTestDDB(t, api, 0)

	assert.False(t, w.PutEvent(context.Background(), testEnvelope()))
	assert.Equal(t, int64(1), w.Metrics().Failed)
}

func TestQueryByCamera(t *testing.T) {
	api := &fakeDynamo{
		items: []map[string]ddbtypes.AttributeValue{
			{
				"event_id":  &ddbtypes.AttributeValueMemberS{Value: "id1"},
				"camera_id": &ddbtypes.AttributeValueMemberS{Value: "cam-a"},
				"ts_ms":     &ddbtypes.AttributeValueMemberN{Value: "2000"},
				"type":      &ddbtypes.AttributeValueMemberS{Value: "weapon"},
				"label":     &ddbtypes.AttributeValueMemberS{Value: "gun"},
				"conf":      &ddbtypes.AttributeValueMemberN{Value: "0.9"},
			},
		},
	}
	w := newTestDDB(t, api, 0)

	events, err := w.QueryByCamera(context.Background(), "cam-a", 1000, 3000, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "id1", events[0].EventID)
	assert.Equal(t, int64(2000), events[0].TSMs)
	assert.Equal(t, 0.9, events[0].Conf)

	require.Len(t, api.queries, 1)
	q := api.queries[0]
	assert.Equal(t, ddbCameraGSI, *q.IndexName)
	assert.Contains(t, *q.KeyConditionExpression, "BETWEEN")
	assert.False(t, *q.ScanIndexForward)
	assert.Equal(t, int32(ddbQueryLimit), *q.Limit)
}

func TestDDBConfigValidation(t *testing.T) {
	_, err := NewDDBWriter(&fakeDynamo{}, DDBConfig{}, zap.NewNop())
	assert.Error(t, err)
}
