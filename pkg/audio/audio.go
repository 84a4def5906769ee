// Package audio provides container format helpers for synthesized speech:
// MIME type mapping and ffmpeg-backed transcoding between the formats the
// HTTP surface accepts.
package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Formats the speech endpoint accepts. Providers natively return mp3;
// everything else is transcoded on the way out.
const (
	FormatMP3  = "mp3"
	FormatOpus = "opus"
	FormatWAV  = "wav"
	FormatOGG  = "ogg"
)

var contentTypes = map[string]string{
	FormatMP3:  "audio/mpeg",
	FormatOpus: "audio/ogg",
	FormatWAV:  "audio/wav",
	FormatOGG:  "audio/ogg",
}

// ContentType returns the MIME type for a format, defaulting to
// audio/mpeg for unknown values.
func ContentType(format string) string {
	if ct, ok := contentTypes[strings.ToLower(format)]; ok {
		return ct
	}
	return contentTypes[FormatMP3]
}

// IsSupported reports whether format is one the endpoint can produce.
func IsSupported(format string) bool {
	_, ok := contentTypes[strings.ToLower(format)]
	return ok
}

// convertTimeout bounds a single ffmpeg invocation. Speech clips are
// seconds long; anything slower means ffmpeg is wedged.
const convertTimeout = 30 * time.Second

// ffmpegArgs returns the output arguments for a target format.
func ffmpegArgs(dst string) ([]string, error) {
	switch strings.ToLower(dst) {
	case FormatOpus:
		return []string{"-c:a", "libopus", "-f", "opus"}, nil
	case FormatOGG:
		return []string{"-c:a", "libvorbis", "-f", "ogg"}, nil
	case FormatWAV:
		return []string{"-c:a", "pcm_s16le", "-f", "wav"}, nil
	case FormatMP3:
		return []string{"-c:a", "libmp3lame", "-f", "mp3"}, nil
	default:
		return nil, fmt.Errorf("audio: unsupported target format %q", dst)
	}
}

// Convert transcodes data from the src container to dst using ffmpeg over
// stdin/stdout. When src and dst match, data is returned unchanged.
func Convert(ctx context.Context, data []byte, src, dst string) ([]byte, error) {
	src, dst = strings.ToLower(src), strings.ToLower(dst)
	if src == dst {
		return data, nil
	}

	outArgs, err := ffmpegArgs(dst)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, convertTimeout)
	defer cancel()

	args := append([]string{
		"-hide_banner", "-loglevel", "error",
		"-f", src, "-i", "pipe:0",
	}, outArgs...)
	args = append(args, "pipe:1")

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdin = bytes.NewReader(data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, fmt.Errorf("audio: ffmpeg %s→%s: %w: %s", src, dst, err, msg)
	}
	return stdout.Bytes(), nil
}
