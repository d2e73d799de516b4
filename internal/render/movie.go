package render

import (
	"context"
	"fmt"
	"image"
	"image/color/palette"
	"image/gif"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"molrender/internal/models"
)

// renderMovie runs the single-frame pipeline once per declared frame into a
// scratch directory, then assembles the frames into a video or GIF. Frame
// files are deleted only after a successful assembly.
func (q *Queue) renderMovie(ctx context.Context, job models.RenderingJob) (string, error) {
	scratch := filepath.Join(q.cfg.RenderOutputDir, job.ID+"_frames")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return "", fmt.Errorf("create frame dir: %w", err)
	}

	for i, frameCmd := range job.Params.Frames {
		framePath := filepath.Join(scratch, fmt.Sprintf("frame_%04d.png", i))
		if err := q.renderFrame(ctx, job, framePath, frameCmd); err != nil {
			return "", fmt.Errorf("frame %d: %w", i, err)
		}
		q.setProgress(job.ID, i+1)
	}

	outPath := q.outputFile(job.ID, job.Params.Format)
	q.setMessage(job.ID, "assembling frames")

	if err := q.assembleFFmpeg(ctx, scratch, outPath, job.Params.FrameRate); err != nil {
		log.Printf("render: job %s: frame encoder failed (%v), assembling GIF in process", job.ID, err)
		outPath = q.outputFile(job.ID, "gif")
		if gifErr := assembleGIF(scratch, outPath, job.Params.FrameRate); gifErr != nil {
			return "", fmt.Errorf("frame encoder failed (%v) and gif assembly failed: %w", err, gifErr)
		}
		q.setMessage(job.ID, "assembled as GIF (frame encoder unavailable)")
	}

	if err := os.RemoveAll(scratch); err != nil {
		log.Printf("render: job %s: cleanup frame dir: %v", job.ID, err)
	}
	return outPath, nil
}

// assembleFFmpeg shells out to the configured frame encoder.
func (q *Queue) assembleFFmpeg(ctx context.Context, frameDir, outPath string, frameRate int) error {
	if frameRate <= 0 {
		frameRate = 15
	}
	pattern := filepath.Join(frameDir, "frame_%04d.png")
	args := []string{
		"-y",
		"-framerate", fmt.Sprintf("%d", frameRate),
		"-i", pattern,
	}
	if strings.HasSuffix(outPath, ".mp4") {
		args = append(args, "-pix_fmt", "yuv420p")
	}
	args = append(args, outPath)

	cmd := exec.CommandContext(ctx, q.cfg.FFmpegPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %v: %s", q.cfg.FFmpegPath, err, strings.TrimSpace(string(out)))
	}
	if info, err := os.Stat(outPath); err != nil || info.Size() == 0 {
		return fmt.Errorf("%s produced no output", q.cfg.FFmpegPath)
	}
	return nil
}

// assembleGIF builds an animated GIF from the frame files without an external
// encoder.
func assembleGIF(frameDir, outPath string, frameRate int) error {
	entries, err := filepath.Glob(filepath.Join(frameDir, "frame_*.png"))
	if err != nil || len(entries) == 0 {
		return fmt.Errorf("no frames in %s", frameDir)
	}

	if frameRate <= 0 {
		frameRate = 15
	}
	delay := 100 / frameRate // GIF delay unit is 1/100s
	if delay <= 0 {
		delay = 4
	}

	anim := &gif.GIF{}
	for _, path := range entries {
		frame, err := imaging.Open(path)
		if err != nil {
			return fmt.Errorf("open frame %s: %w", path, err)
		}
		paletted := image.NewPaletted(frame.Bounds(), palette.Plan9)
		draw.FloydSteinberg.Draw(paletted, frame.Bounds(), frame, image.Point{})
		anim.Image = append(anim.Image, paletted)
		anim.Delay = append(anim.Delay, delay)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create gif: %w", err)
	}
	defer out.Close()
	if err := gif.EncodeAll(out, anim); err != nil {
		return fmt.Errorf("encode gif: %w", err)
	}
	return nil
}
