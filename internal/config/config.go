// Package config loads and validates the YAML service configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config is the root document.
type Config struct {
	AWS        AWS               `yaml:"aws"`
	HTTP       HTTP              `yaml:"http"`
	Publishers Publishers        `yaml:"publishers"`
	Cameras    map[string]Camera `yaml:"cameras"`
}

type AWS struct {
	Region string `yaml:"region"`
}

type HTTP struct {
	Listen string `yaml:"listen"`
}

type Publishers struct {
	KDS KDS `yaml:"kds"`
	S3  S3  `yaml:"s3"`
	DDB DDB `yaml:"ddb"`
}

type KDS struct {
	Enabled              *bool  `yaml:"enabled"`
	Region               string `yaml:"region"`
	StreamName           string `yaml:"stream_name"`
	BatchSize            int    `yaml:"batch_size"`
	MaxRetries           int    `yaml:"max_retries"`
	BaseBackoffMS        int    `yaml:"base_backoff_ms"`
	EventIDBucketSeconds int    `yaml:"event_id_bucket_seconds"`
}

type S3 struct {
	Enabled       *bool  `yaml:"enabled"`
	Region        string `yaml:"region"`
	Bucket        string `yaml:"bucket"`
	Prefix        string `yaml:"prefix"`
	JPEGQuality   int    `yaml:"jpeg_quality"`
	SaveSnapshots *bool  `yaml:"save_snapshots"`
	DrawLabels    *bool  `yaml:"draw_labels"`
}

type DDB struct {
	Enabled   *bool  `yaml:"enabled"`
	Region    string `yaml:"region"`
	TableName string `yaml:"table_name"`
	TTLDays   int    `yaml:"ttl_days"`
}

// Camera binds one upstream stream to a detector chain.
type Camera struct {
	StreamName  string         `yaml:"kvs_stream_name"`
	Enabled     *bool          `yaml:"enabled"`
	FPSTarget   float64        `yaml:"fps_target"`
	FrameWidth  int            `yaml:"frame_width"`
	FrameHeight int            `yaml:"frame_height"`
	KVS         KVS            `yaml:"kvs"`
	ROI         [][][2]float64 `yaml:"roi"`
	MinBoxArea  float64        `yaml:"min_box_area"`
	Detectors   []Detector     `yaml:"detectors"`
}

// KVS is the per-camera HLS session block. Region overrides aws.region for
// this camera's control-plane calls.
type KVS struct {
	Region                    string  `yaml:"region"`
	SessionSeconds            int     `yaml:"hls_session_seconds"`
	RefreshMarginSeconds      int     `yaml:"url_refresh_margin_sec"`
	ReconnectDelayBaseSeconds float64 `yaml:"reconnect_delay_sec"`
	ReconnectDelayMaxSeconds  float64 `yaml:"reconnect_delay_max_sec"`
	BackoffMultiplier         float64 `yaml:"backoff_multiplier"`
	MaxConsecutiveErrors      int     `yaml:"max_consecutive_errors"`
}

// Detector is one chain element: its registry type tag plus free-form params
// interpreted by the detector itself.
type Detector struct {
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params"`
}

// KDSEnabled defaults to true.
func (p *Publishers) KDSEnabled() bool { return p.KDS.Enabled == nil || *p.KDS.Enabled }

// S3Enabled defaults to true.
func (p *Publishers) S3Enabled() bool { return p.S3.Enabled == nil || *p.S3.Enabled }

// DDBEnabled defaults to false.
func (p *Publishers) DDBEnabled() bool { return p.DDB.Enabled != nil && *p.DDB.Enabled }

// CameraEnabled defaults to true.
func (c *Camera) CameraEnabled() bool { return c.Enabled == nil || *c.Enabled }

// DrawLabelsEnabled defaults to true.
func (s *S3) DrawLabelsEnabled() bool { return s.DrawLabels == nil || *s.DrawLabels }

// SaveSnapshotsEnabled defaults to true.
func (s *S3) SaveSnapshotsEnabled() bool { return s.SaveSnapshots == nil || *s.SaveSnapshots }

// RegionOr returns override when set, else the default aws.region.
func (c *Config) RegionOr(override string) string {
	if override != "" {
		return override
	}
	return c.AWS.Region
}

var (
	cameraIDRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	envVarRe   = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// Load reads, env-expands, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse handles raw YAML bytes; exposed for tests.
func Parse(raw []byte) (*Config, error) {
	expanded := expandEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnv substitutes ${VAR} references with environment values. Unset
// variables expand to the empty string, surfacing as validation errors for
// required fields.
func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarRe.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
}

func (c *Config) applyDefaults() {
	if c.AWS.Region == "" {
		c.AWS.Region = "us-east-1"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "0.0.0.0:8080"
	}
	if c.Publishers.KDS.EventIDBucketSeconds <= 0 {
		c.Publishers.KDS.EventIDBucketSeconds = 1
	}
	if c.Publishers.S3.JPEGQuality == 0 {
		c.Publishers.S3.JPEGQuality = 90
	}

	for id, cam := range c.Cameras {
		if cam.KVS.SessionSeconds == 0 {
			cam.KVS.SessionSeconds = 300
		}
		if cam.KVS.RefreshMarginSeconds == 0 {
			cam.KVS.RefreshMarginSeconds = 30
		}
		if cam.KVS.ReconnectDelayBaseSeconds == 0 {
			cam.KVS.ReconnectDelayBaseSeconds = 5
		}
		if cam.KVS.ReconnectDelayMaxSeconds == 0 {
			cam.KVS.ReconnectDelayMaxSeconds = 60
		}
		if cam.KVS.BackoffMultiplier == 0 {
			cam.KVS.BackoffMultiplier = 2
		}
		if cam.KVS.MaxConsecutiveErrors == 0 {
			cam.KVS.MaxConsecutiveErrors = 10
		}
		if cam.FrameWidth == 0 {
			cam.FrameWidth = 1280
		}
		if cam.FrameHeight == 0 {
			cam.FrameHeight = 720
		}
		c.Cameras[id] = cam
	}
}

// Validate checks structural invariants. Publisher-specific required fields
// are only enforced when the publisher is enabled.
func (c *Config) Validate() error {
	if len(c.Cameras) == 0 {
		return fmt.Errorf("config: at least one camera required")
	}

	if c.Publishers.KDSEnabled() && c.Publishers.KDS.StreamName == "" {
		return fmt.Errorf("config: publishers.kds.stream_name required when kds enabled")
	}
	if c.Publishers.S3Enabled() && c.Publishers.S3.Bucket == "" {
		return fmt.Errorf("config: publishers.s3.bucket required when s3 enabled")
	}
	if c.Publishers.DDBEnabled() && c.Publishers.DDB.TableName == "" {
		return fmt.Errorf("config: publishers.ddb.table_name required when ddb enabled")
	}

	streamOwner := map[string]string{}
	for _, id := range c.CameraIDs() {
		cam := c.Cameras[id]
		if !cameraIDRe.MatchString(id) {
			return fmt.Errorf("config: camera id %q invalid (alphanumerics, '-', '_', max 64)", id)
		}
		if cam.StreamName == "" {
			return fmt.Errorf("config: camera %s: kvs_stream_name required", id)
		}
		if prev, dup := streamOwner[cam.StreamName]; dup {
			return fmt.Errorf("config: cameras %s and %s share kvs_stream_name %q", prev, id, cam.StreamName)
		}
		streamOwner[cam.StreamName] = id

		if cam.KVS.SessionSeconds < 60 || cam.KVS.SessionSeconds > 43200 {
			return fmt.Errorf("config: camera %s: kvs.hls_session_seconds must be in [60, 43200]", id)
		}
		if cam.KVS.RefreshMarginSeconds <= 0 || cam.KVS.RefreshMarginSeconds >= cam.KVS.SessionSeconds {
			return fmt.Errorf("config: camera %s: kvs.url_refresh_margin_sec must be in (0, hls_session_seconds)", id)
		}
		if cam.FPSTarget < 0 {
			return fmt.Errorf("config: camera %s: fps_target must be >= 0", id)
		}
		if cam.MinBoxArea < 0 {
			return fmt.Errorf("config: camera %s: min_box_area must be >= 0", id)
		}
		for i, poly := range cam.ROI {
			if len(poly) < 3 {
				return fmt.Errorf("config: camera %s: roi polygon %d needs at least 3 points", id, i)
			}
		}
		if len(cam.Detectors) == 0 {
			return fmt.Errorf("config: camera %s: at least one detector required", id)
		}
		for i, det := range cam.Detectors {
			if det.Type == "" {
				return fmt.Errorf("config: camera %s: detector %d missing type", id, i)
			}
		}
	}
	return nil
}

// CameraIDs returns camera ids sorted for deterministic iteration.
func (c *Config) CameraIDs() []string {
	ids := make([]string, 0, len(c.Cameras))
	for id := range c.Cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EnabledCameraIDs returns the sorted ids of enabled cameras.
func (c *Config) EnabledCameraIDs() []string {
	var ids []string
	for _, id := range c.CameraIDs() {
		cam := c.Cameras[id]
		if cam.CameraEnabled() {
			ids = append(ids, id)
		}
	}
	return ids
}
