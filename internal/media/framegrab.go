package media

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// FrameGrabber extracts a single frame as encoded image bytes.
type FrameGrabber interface {
	Grab(ctx context.Context, videoPath string, offsetMS int64) ([]byte, error)
}

// FFmpegGrabber shells out to ffmpeg and reads the JPEG from stdout, so
// callers control where (and how atomically) the frame lands on disk.
type FFmpegGrabber struct {
	// Bin is the ffmpeg binary; empty means "ffmpeg" on PATH.
	Bin string
	// MaxWidth caps the frame width, preserving aspect ratio. Zero keeps
	// the source resolution. Frames narrower than the cap are not upscaled.
	MaxWidth int
}

// Grab seeks to offsetMS and returns one JPEG-encoded frame.
func (g *FFmpegGrabber) Grab(ctx context.Context, videoPath string, offsetMS int64) ([]byte, error) {
	bin := g.Bin
	if bin == "" {
		bin = "ffmpeg"
	}

	offset := strconv.FormatFloat(float64(offsetMS)/1000.0, 'f', 3, 64)
	args := []string{
		"-v", "error",
		"-ss", offset,
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
	}
	if g.MaxWidth > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale='min(%d,iw)':-2", g.MaxWidth))
	}
	args = append(args,
		"-c:v", "mjpeg",
		"-f", "image2pipe",
		"-",
	)
	cmd := exec.CommandContext(ctx, bin, args...)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg frame grab at %dms failed for %s: %w", offsetMS, videoPath, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame at %dms for %s", offsetMS, videoPath)
	}
	return out, nil
}
