// SPDX-License-Identifier: MIT

package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// GPSFix is a location parsed from container metadata.
type GPSFix struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt,omitempty"`
}

// ProbeResult is the container-level view of a video file.
type ProbeResult struct {
	DurationMS      int64   `json:"duration_ms"`
	Container       string  `json:"container,omitempty"`
	VideoCodec      string  `json:"video_codec,omitempty"`
	AudioCodec      string  `json:"audio_codec,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	FPS             float64 `json:"fps,omitempty"`
	FileCreatedAtMS int64   `json:"file_created_at_ms,omitempty"`
	GPS             *GPSFix `json:"gps,omitempty"`
}

// Prober extracts container metadata from a video file.
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

// FFProbe shells out to ffprobe with JSON output.
type FFProbe struct {
	// Bin is the ffprobe binary; empty means "ffprobe" on PATH.
	Bin string
}

// Probe runs ffprobe and maps format/stream fields into a ProbeResult.
func (p *FFProbe) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	bin := p.Bin
	if bin == "" {
		bin = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, bin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var probeData struct {
		Format struct {
			FormatName string            `json:"format_name"`
			Duration   string            `json:"duration"`
			Tags       map[string]string `json:"tags"`
		} `json:"format"`
		Streams []struct {
			CodecType    string            `json:"codec_type"`
			CodecName    string            `json:"codec_name"`
			Width        int               `json:"width"`
			Height       int               `json:"height"`
			AvgFrameRate string            `json:"avg_frame_rate"`
			Tags         map[string]string `json:"tags"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &probeData); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse failed for %s: %w", path, err)
	}

	result := &ProbeResult{}

	if d, err := strconv.ParseFloat(probeData.Format.Duration, 64); err == nil {
		result.DurationMS = int64(d * 1000)
	}
	if name := probeData.Format.FormatName; name != "" {
		// ffprobe reports demuxer lists like "mov,mp4,m4a,3gp,3g2,mj2".
		result.Container = strings.SplitN(name, ",", 2)[0]
	}

	tags := mergedTags(probeData.Format.Tags)
	for _, s := range probeData.Streams {
		switch s.CodecType {
		case "video":
			if result.VideoCodec == "" {
				result.VideoCodec = s.CodecName
				result.Width = s.Width
				result.Height = s.Height
				result.FPS = parseFrameRate(s.AvgFrameRate)
			}
		case "audio":
			if result.AudioCodec == "" {
				result.AudioCodec = s.CodecName
			}
		}
		for k, v := range s.Tags {
			if _, seen := tags[strings.ToLower(k)]; !seen {
				tags[strings.ToLower(k)] = v
			}
		}
	}

	if v, ok := tags["creation_time"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			result.FileCreatedAtMS = t.UnixMilli()
		} else if t, err := time.Parse("2006-01-02T15:04:05.000000Z", v); err == nil {
			result.FileCreatedAtMS = t.UnixMilli()
		}
	}
	if v, ok := tags["location"]; ok {
		result.GPS = ParseISO6709(v)
	}
	if result.GPS == nil {
		// QuickTime files carry the fix under the com.apple.quicktime key.
		if v, ok := tags["com.apple.quicktime.location.iso6709"]; ok {
			result.GPS = ParseISO6709(v)
		}
	}

	return result, nil
}

func mergedTags(src map[string]string) map[string]string {
	tags := make(map[string]string, len(src))
	for k, v := range src {
		tags[strings.ToLower(k)] = v
	}
	return tags
}

func parseFrameRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	if !found {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// iso6709Pattern matches the leading lat/lon/alt groups of an ISO 6709
// annex H string such as "+48.8577+002.2950+053.21/".
var iso6709Pattern = regexp.MustCompile(`^([+-]\d+(?:\.\d+)?)([+-]\d+(?:\.\d+)?)([+-]\d+(?:\.\d+)?)?`)

// ParseISO6709 decodes the location tag format used by MP4/QuickTime
// containers. Returns nil when the string does not parse or the fix is
// outside valid ranges.
func ParseISO6709(s string) *GPSFix {
	m := iso6709Pattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil
	}

	lat, err1 := strconv.ParseFloat(m[1], 64)
	lon, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil
	}

	fix := &GPSFix{Lat: lat, Lon: lon}
	if m[3] != "" {
		if alt, err := strconv.ParseFloat(m[3], 64); err == nil {
			fix.Alt = alt
		}
	}
	return fix
}
