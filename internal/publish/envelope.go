// Package publish holds the three event sinks: the Kinesis event stream, S3
// snapshots, and the DynamoDB metadata store. Publishers are constructed once,
// shared across camera workers, and internally synchronised.
package publish

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/technosupport/kvs-infer/internal/detect"
)

// ProducerVersion identifies this producer in event envelopes.
const ProducerVersion = "kvs-infer/1.0"

// Envelope wraps an event for publishing. EventID is deterministic so
// downstream consumers can deduplicate.
type Envelope struct {
	EventID  string       `json:"event_id"`
	CameraID string       `json:"camera_id"`
	Producer string       `json:"producer"`
	Payload  detect.Event `json:"payload"`
}

// EventID derives the deterministic id from the event identity and a time
// bucket. The bucket collapses near-simultaneous duplicates of the same
// detection into one id; width is configurable, 1 second by default.
func EventID(cameraID, eventType, label string, tsMs int64, bucketSeconds int) string {
	if bucketSeconds < 1 {
		bucketSeconds = 1
	}
	bucket := (tsMs / 1000) / int64(bucketSeconds)
	sum := sha1.Sum([]byte(fmt.Sprintf("%s:%s:%s:%d", cameraID, eventType, label, bucket)))
	return hex.EncodeToString(sum[:])
}

// NewEnvelope wraps an event with its derived id.
func NewEnvelope(event detect.Event, bucketSeconds int) Envelope {
	return Envelope{
		EventID:  EventID(event.CameraID, event.Type, event.Label, event.TSMs, bucketSeconds),
		CameraID: event.CameraID,
		Producer: ProducerVersion,
		Payload:  event,
	}
}
