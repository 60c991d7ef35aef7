package publish

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/detect"
	"github.com/technosupport/kvs-infer/internal/frames"
	"github.com/technosupport/kvs-infer/internal/logging"
	"github.com/technosupport/kvs-infer/internal/metrics"
)

// S3API is the object-store surface the snapshot publisher needs.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Presigner issues time-limited GET URLs for stored snapshots.
type S3Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// SnapshotConfig configures the snapshot publisher.
type SnapshotConfig struct {
	Bucket      string
	Prefix      string
	JPEGQuality int // clamped to [0,100], default 90
}

// SnapshotMetrics is a snapshot of publisher counters.
type SnapshotMetrics struct {
	Saved         int64 `json:"saved"`
	Failed        int64 `json:"failed"`
	BytesUploaded int64 `json:"bytes_uploaded"`
}

// SnapshotPublisher JPEG-encodes frames and uploads them. Failures are
// counted, logged, and swallowed: snapshots are best-effort and must never
// stall the detection loop.
type SnapshotPublisher struct {
	api       S3API
	presigner S3Presigner
	cfg       SnapshotConfig
	log       *zap.Logger

	mu      sync.Mutex
	metrics SnapshotMetrics
}

// NewSnapshotPublisher builds the publisher around an S3 client.
func NewSnapshotPublisher(api S3API, presigner S3Presigner, cfg SnapshotConfig, log *zap.Logger) (*SnapshotPublisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	} else if cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 100
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	return &SnapshotPublisher{
		api:       api,
		presigner: presigner,
		cfg:       cfg,
		log:       log.Named("s3"),
	}, nil
}

// Save encodes the frame and uploads it under {prefix}/{camera_id}/{ts_ms}.jpg.
// Returns the object key, or "" and false on failure.
func (p *SnapshotPublisher) Save(ctx context.Context, frame *frames.Frame, cameraID string, tsMs int64, extraMetadata map[string]string) (string, bool) {
	key := p.key(cameraID, tsMs)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.ToImage(), &jpeg.Options{Quality: p.cfg.JPEGQuality}); err != nil {
		p.fail()
		p.log.Error("jpeg encode failed", logging.Camera(cameraID), zap.Error(err))
		return "", false
	}

	meta := map[string]string{
		"camera_id":    cameraID,
		"timestamp_ms": fmt.Sprintf("%d", tsMs),
		"jpeg_quality": fmt.Sprintf("%d", p.cfg.JPEGQuality),
		"frame_shape":  fmt.Sprintf("%dx%d", frame.Height, frame.Width),
	}
	for k, v := range extraMetadata {
		meta[k] = v
	}

	size := buf.Len()
	_, err := p.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("image/jpeg"),
		Metadata:    meta,
	})
	if err != nil {
		p.fail()
		p.log.Error("s3 upload failed",
			zap.String("key", key), logging.Camera(cameraID), zap.Error(err))
		return "", false
	}

	p.mu.Lock()
	p.metrics.Saved++
	p.metrics.BytesUploaded += int64(size)
	p.mu.Unlock()

	p.log.Info("snapshot saved",
		zap.String("bucket", p.cfg.Bucket),
		zap.String("key", key),
		logging.Camera(cameraID),
		zap.Int("size_bytes", size))
	return key, true
}

// SaveWithBBoxes draws the event boxes and labels on a copy of the frame, then
// uploads the annotated copy.
func (p *SnapshotPublisher) SaveWithBBoxes(ctx context.Context, frame *frames.Frame, cameraID string, tsMs int64, events []detect.Event, drawLabels bool) (string, bool) {
	annotated := frame.Clone()
	for _, e := range events {
		label := ""
		if drawLabels {
			label = fmt.Sprintf("%s %.2f", e.Label, e.Conf)
		}
		drawBBox(annotated, e.Box(), label)
	}
	return p.Save(ctx, annotated, cameraID, tsMs, map[string]string{
		"detection_count": fmt.Sprintf("%d", len(events)),
		"has_bboxes":      "true",
	})
}

// PresignedURL returns a time-limited GET URL for a stored snapshot.
func (p *SnapshotPublisher) PresignedURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if p.presigner == nil {
		return "", fmt.Errorf("presigner not configured")
	}
	req, err := p.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// Metrics returns a counter snapshot.
func (p *SnapshotPublisher) Metrics() SnapshotMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

func (p *SnapshotPublisher) key(cameraID string, tsMs int64) string {
	if p.cfg.Prefix == "" {
		return fmt.Sprintf("%s/%d.jpg", cameraID, tsMs)
	}
	return fmt.Sprintf("%s/%s/%d.jpg", p.cfg.Prefix, cameraID, tsMs)
}

func (p *SnapshotPublisher) fail() {
	p.mu.Lock()
	p.metrics.Failed++
	p.mu.Unlock()
	metrics.RecordPublisherFailure("s3", 1)
}
