package frames

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Decoder yields decoded frames from an opened stream URL.
type Decoder interface {
	ReadFrame() (*Frame, error)
	Close() error
}

// DecoderFactory opens a decoder against an HLS playlist URL.
type DecoderFactory func(url string) (Decoder, error)

// ffmpegDecoder runs an ffmpeg child process that consumes the HLS playlist
// and writes raw BGR24 frames of a fixed size to stdout.
type ffmpegDecoder struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	width  int
	height int
	buf    []byte
	log    *zap.Logger
}

// NewFFmpegDecoder spawns ffmpeg reading the given URL and scaling output to
// width x height. The returned decoder is single-reader.
func NewFFmpegDecoder(url string, width, height int, log *zap.Logger) (Decoder, error) {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-i", url,
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"pipe:1",
	}

	cmd := exec.Command("ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}

	// Drain stderr so ffmpeg never blocks on a full pipe; surface warnings at
	// debug level only.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug("ffmpeg", zap.String("line", scanner.Text()))
		}
	}()

	return &ffmpegDecoder{
		cmd:    cmd,
		stdout: stdout,
		width:  width,
		height: height,
		buf:    make([]byte, width*height*3),
		log:    log,
	}, nil
}

func (d *ffmpegDecoder) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(d.stdout, d.buf); err != nil {
		return nil, fmt.Errorf("read raw frame: %w", err)
	}

	f := NewFrame(d.width, d.height)
	copy(f.Data, d.buf)
	return f, nil
}

func (d *ffmpegDecoder) Close() error {
	if d.cmd.Process != nil {
		// TERM first so ffmpeg can tear down its demuxer; escalate if it
		// lingers.
		_ = d.cmd.Process.Signal(syscall.SIGTERM)

		done := make(chan struct{})
		go func() {
			_ = d.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = d.cmd.Process.Kill()
			<-done
		}
	}
	return nil
}
