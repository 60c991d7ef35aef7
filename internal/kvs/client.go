// Package kvs wraps the Kinesis Video Streams control plane used to obtain
// HLS streaming session URLs.
package kvs

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesisvideo"
	kvtypes "github.com/aws/aws-sdk-go-v2/service/kinesisvideo/types"
	"github.com/aws/aws-sdk-go-v2/service/kinesisvideoarchivedmedia"
	amtypes "github.com/aws/aws-sdk-go-v2/service/kinesisvideoarchivedmedia/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// VideoAPI is the control-plane surface used to discover the data endpoint.
type VideoAPI interface {
	GetDataEndpoint(ctx context.Context, in *kinesisvideo.GetDataEndpointInput, opts ...func(*kinesisvideo.Options)) (*kinesisvideo.GetDataEndpointOutput, error)
}

// ArchivedMediaAPI issues HLS streaming session URLs against a data endpoint.
type ArchivedMediaAPI interface {
	GetHLSStreamingSessionURL(ctx context.Context, in *kinesisvideoarchivedmedia.GetHLSStreamingSessionURLInput, opts ...func(*kinesisvideoarchivedmedia.Options)) (*kinesisvideoarchivedmedia.GetHLSStreamingSessionURLOutput, error)
}

// Client performs the two-step session URL acquisition: resolve the stream's
// data endpoint, then request a LIVE HLS session against it.
type Client struct {
	video       VideoAPI
	newArchived func(endpoint string) ArchivedMediaAPI
	log         *zap.Logger
}

// New builds a Client for the region using the default credential chain.
func New(ctx context.Context, region string, log *zap.Logger) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Client{
		video: kinesisvideo.NewFromConfig(awsCfg),
		newArchived: func(endpoint string) ArchivedMediaAPI {
			return kinesisvideoarchivedmedia.NewFromConfig(awsCfg, func(o *kinesisvideoarchivedmedia.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			})
		},
		log: log.Named("kvs"),
	}, nil
}

// NewWithAPI wires explicit API implementations; used by tests.
func NewWithAPI(video VideoAPI, newArchived func(endpoint string) ArchivedMediaAPI, log *zap.Logger) *Client {
	return &Client{video: video, newArchived: newArchived, log: log.Named("kvs")}
}

// GetHLSURL returns a live HLS playlist URL valid for sessionSeconds.
func (c *Client) GetHLSURL(ctx context.Context, streamName string, sessionSeconds int) (string, error) {
	ep, err := c.video.GetDataEndpoint(ctx, &kinesisvideo.GetDataEndpointInput{
		StreamName: aws.String(streamName),
		APIName:    kvtypes.APINameGetHlsStreamingSessionUrl,
	})
	if err != nil {
		return "", classify(fmt.Errorf("get data endpoint for %s: %w", streamName, err))
	}
	if ep.DataEndpoint == nil {
		return "", fmt.Errorf("empty data endpoint for %s", streamName)
	}

	am := c.newArchived(*ep.DataEndpoint)
	out, err := am.GetHLSStreamingSessionURL(ctx, &kinesisvideoarchivedmedia.GetHLSStreamingSessionURLInput{
		StreamName:   aws.String(streamName),
		PlaybackMode: amtypes.HLSPlaybackModeLive,
		HLSFragmentSelector: &amtypes.HLSFragmentSelector{
			FragmentSelectorType: amtypes.HLSFragmentSelectorTypeServerTimestamp,
		},
		ContainerFormat:          amtypes.ContainerFormatFragmentedMp4,
		DiscontinuityMode:        amtypes.HLSDiscontinuityModeAlways,
		DisplayFragmentTimestamp: amtypes.HLSDisplayFragmentTimestampAlways,
		Expires:                  aws.Int32(int32(sessionSeconds)),
	})
	if err != nil {
		return "", classify(fmt.Errorf("get HLS streaming session URL for %s: %w", streamName, err))
	}
	if out.HLSStreamingSessionURL == nil {
		return "", fmt.Errorf("empty HLS session URL for %s", streamName)
	}

	c.log.Debug("acquired HLS session URL",
		zap.String("stream_name", streamName),
		zap.Int("expires_seconds", sessionSeconds))

	return *out.HLSStreamingSessionURL, nil
}

// ErrStreamNotFound marks control-plane resource errors so callers can log
// them distinctly; recovery still goes through normal reconnection.
var ErrStreamNotFound = errors.New("stream not found")

func classify(err error) error {
	if IsResourceNotFound(err) {
		return fmt.Errorf("%w: %w", ErrStreamNotFound, err)
	}
	return err
}

// IsResourceNotFound reports whether err is a ResourceNotFoundException from
// either KVS API.
func IsResourceNotFound(err error) bool {
	var kvNotFound *kvtypes.ResourceNotFoundException
	if errors.As(err, &kvNotFound) {
		return true
	}
	var amNotFound *amtypes.ResourceNotFoundException
	if errors.As(err, &amNotFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException"
}
