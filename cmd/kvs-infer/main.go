// kvs-infer runs real-time object detection over Kinesis Video Streams
// cameras and publishes confirmed events to Kinesis Data Streams, S3, and
// DynamoDB.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/api"
	"github.com/technosupport/kvs-infer/internal/config"
	"github.com/technosupport/kvs-infer/internal/detect"
	"github.com/technosupport/kvs-infer/internal/frames"
	"github.com/technosupport/kvs-infer/internal/geometry"
	"github.com/technosupport/kvs-infer/internal/kvs"
	"github.com/technosupport/kvs-infer/internal/logging"
	"github.com/technosupport/kvs-infer/internal/publish"
	"github.com/technosupport/kvs-infer/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (required)")
	httpAddr := flag.String("http", "", "HTTP listen address (overrides config)")
	flag.Parse()

	log := logging.Setup()
	defer func() { _ = log.Sync() }()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: kvs-infer --config <path> [--http addr]")
		os.Exit(1)
	}

	if err := run(*configPath, *httpAddr, log); err != nil {
		log.Error("fatal", zap.Error(err))
		os.Exit(1)
	}
}

func run(configPath, httpAddr string, log *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if httpAddr != "" {
		cfg.HTTP.Listen = httpAddr
	}

	runID := uuid.NewString()
	log.Info("starting kvs-infer",
		zap.String("run_id", runID),
		zap.String("region", cfg.AWS.Region),
		zap.Strings("cameras", cfg.EnabledCameraIDs()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loadAWS := newAWSConfigLoader(ctx)

	pubs, err := buildPublishers(cfg, loadAWS, log)
	if err != nil {
		return err
	}

	workers, err := buildWorkers(ctx, cfg, pubs, log)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		return fmt.Errorf("no enabled cameras")
	}

	sup := worker.NewSupervisor(workers, pubs, log)

	server := api.NewServer(sup, runID, log)
	go func() {
		if err := server.Listen(cfg.HTTP.Listen); err != nil {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	err = sup.Run(ctx)
	log.Info("kvs-infer stopped", zap.String("run_id", runID))
	return err
}

// newAWSConfigLoader returns a loader that caches one aws.Config per region,
// so publishers and cameras pointing at the same region share credentials
// resolution.
func newAWSConfigLoader(ctx context.Context) func(region string) (aws.Config, error) {
	cache := map[string]aws.Config{}
	return func(region string) (aws.Config, error) {
		if c, ok := cache[region]; ok {
			return c, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load aws config for %s: %w", region, err)
		}
		cache[region] = c
		return c, nil
	}
}

// buildPublishers wires the enabled sinks against per-service AWS clients.
// Each publisher may override the default region.
func buildPublishers(cfg *config.Config, loadAWS func(string) (aws.Config, error), log *zap.Logger) (worker.Publishers, error) {
	var pubs worker.Publishers

	if cfg.Publishers.KDSEnabled() {
		awsCfg, err := loadAWS(cfg.RegionOr(cfg.Publishers.KDS.Region))
		if err != nil {
			return pubs, err
		}
		kds, err := publish.NewKDSPublisher(kinesis.NewFromConfig(awsCfg), publish.KDSConfig{
			StreamName:    cfg.Publishers.KDS.StreamName,
			BatchSize:     cfg.Publishers.KDS.BatchSize,
			MaxRetries:    cfg.Publishers.KDS.MaxRetries,
			BaseBackoff:   time.Duration(cfg.Publishers.KDS.BaseBackoffMS) * time.Millisecond,
			BucketSeconds: cfg.Publishers.KDS.EventIDBucketSeconds,
		}, log)
		if err != nil {
			return pubs, err
		}
		pubs.Events = kds
	}

	if cfg.Publishers.S3Enabled() && cfg.Publishers.S3.SaveSnapshotsEnabled() {
		awsCfg, err := loadAWS(cfg.RegionOr(cfg.Publishers.S3.Region))
		if err != nil {
			return pubs, err
		}
		client := s3.NewFromConfig(awsCfg)
		snaps, err := publish.NewSnapshotPublisher(client, s3.NewPresignClient(client), publish.SnapshotConfig{
			Bucket:      cfg.Publishers.S3.Bucket,
			Prefix:      cfg.Publishers.S3.Prefix,
			JPEGQuality: cfg.Publishers.S3.JPEGQuality,
		}, log)
		if err != nil {
			return pubs, err
		}
		pubs.Snapshots = snaps
	}

	if cfg.Publishers.DDBEnabled() {
		awsCfg, err := loadAWS(cfg.RegionOr(cfg.Publishers.DDB.Region))
		if err != nil {
			return pubs, err
		}
		ddb, err := publish.NewDDBWriter(dynamodb.NewFromConfig(awsCfg), publish.DDBConfig{
			TableName: cfg.Publishers.DDB.TableName,
			TTLDays:   cfg.Publishers.DDB.TTLDays,
		}, log)
		if err != nil {
			return pubs, err
		}
		pubs.Metadata = ddb
	}

	return pubs, nil
}

// buildWorkers constructs a frame source and detector chain per enabled
// camera. Cameras in the same region share one KVS control-plane client.
func buildWorkers(ctx context.Context, cfg *config.Config, pubs worker.Publishers, log *zap.Logger) ([]*worker.Worker, error) {
	kvsClients := map[string]*kvs.Client{}
	kvsFor := func(region string) (*kvs.Client, error) {
		if c, ok := kvsClients[region]; ok {
			return c, nil
		}
		c, err := kvs.New(ctx, region, log)
		if err != nil {
			return nil, err
		}
		kvsClients[region] = c
		return c, nil
	}

	var workers []*worker.Worker
	for _, id := range cfg.EnabledCameraIDs() {
		cam := cfg.Cameras[id]

		kvsClient, err := kvsFor(cfg.RegionOr(cam.KVS.Region))
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", id, err)
		}

		source, err := frames.NewSource(frames.Config{
			CameraID:             id,
			StreamName:           cam.StreamName,
			SessionSeconds:       cam.KVS.SessionSeconds,
			RefreshMargin:        time.Duration(cam.KVS.RefreshMarginSeconds) * time.Second,
			ReconnectDelayBase:   time.Duration(cam.KVS.ReconnectDelayBaseSeconds * float64(time.Second)),
			ReconnectDelayMax:    time.Duration(cam.KVS.ReconnectDelayMaxSeconds * float64(time.Second)),
			BackoffMultiplier:    cam.KVS.BackoffMultiplier,
			MaxConsecutiveErrors: cam.KVS.MaxConsecutiveErrors,
			FrameWidth:           cam.FrameWidth,
			FrameHeight:          cam.FrameHeight,
		}, kvsClient, log)
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", id, err)
		}

		var chain []worker.ChainEntry
		for _, dc := range cam.Detectors {
			det, err := detect.Create(dc.Type, dc.Params, log)
			if err != nil {
				return nil, fmt.Errorf("camera %s: detector %s: %w", id, dc.Type, err)
			}
			chain = append(chain, worker.ChainEntry{Type: dc.Type, Detector: det})
		}

		detCtx := detect.Context{
			CameraID:    id,
			FrameWidth:  cam.FrameWidth,
			FrameHeight: cam.FrameHeight,
			ROIPolygons: toPolygons(cam.ROI),
			MinBoxArea:  cam.MinBoxArea,
		}

		workers = append(workers, worker.New(worker.Config{
			CameraID:      id,
			FPSTarget:     cam.FPSTarget,
			DrawLabels:    cfg.Publishers.S3.DrawLabelsEnabled(),
			BucketSeconds: cfg.Publishers.KDS.EventIDBucketSeconds,
		}, source, chain, pubs, detCtx, log))
	}
	return workers, nil
}

func toPolygons(roi [][][2]float64) []geometry.Polygon {
	var polys []geometry.Polygon
	for _, raw := range roi {
		poly := make(geometry.Polygon, 0, len(raw))
		for _, pt := range raw {
			poly = append(poly, geometry.Point{X: pt[0], Y: pt[1]})
		}
		polys = append(polys, poly)
	}
	return polys
}
