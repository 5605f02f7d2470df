package derivative

import (
	"context"
	"fmt"
	"os/exec"
)

// FFmpegCompensator shells out to a single ffmpeg invocation that reads the
// input twice, shifts the second copy's timestamps by the offset, and muxes
// the first copy's video stream (copied as-is) with the second copy's audio
// stream (re-encoded to AAC). This type only builds and runs the command.
type FFmpegCompensator struct {
	BinaryPath string // defaults to "ffmpeg" if empty
}

// Compensate runs ffmpeg against inputPath, writing outputPath with the
// audio track shifted by offsetSeconds (negative shifts audio earlier).
func (f *FFmpegCompensator) Compensate(ctx context.Context, inputPath, outputPath string, offsetSeconds float64) error {
	bin := f.BinaryPath
	if bin == "" {
		bin = "ffmpeg"
	}

	args := []string{
		"-y",
		"-i", inputPath,
		"-itsoffset", fmt.Sprintf("%g", offsetSeconds),
		"-i", inputPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, out)
	}
	return nil
}
