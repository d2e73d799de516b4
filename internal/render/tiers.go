package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"molrender/internal/models"
	"molrender/internal/telemetry"
)

// Tier order for a single frame: hardware offscreen render, virtual-display
// retry, locally generated placeholder. A tier failure is internal and drives
// fallback; only exhaustion of every tier fails the job.

var errTierFailed = errors.New("render tier failed")

// renderSnapshot produces the job's artifact through the tier chain.
func (q *Queue) renderSnapshot(ctx context.Context, job models.RenderingJob) (string, error) {
	outPath := q.outputFile(job.ID, imageExt(job.Params.Format))
	if err := q.renderFrame(ctx, job, outPath, ""); err != nil {
		return "", err
	}
	return outPath, nil
}

// renderFrame runs the tier chain for one output file. frameCmd, when set, is
// an extra engine command applied before the save (movie frame stepping).
func (q *Queue) renderFrame(ctx context.Context, job models.RenderingJob, outPath, frameCmd string) error {
	err := q.engineTier(ctx, job, outPath, frameCmd, false)
	if err == nil {
		return nil
	}
	telemetry.TierFallbacks.Inc()
	q.setMessage(job.ID, fmt.Sprintf("offscreen render unavailable (%v), trying fallback", err))

	if q.cfg.VirtualDisplay {
		if err := q.engineTier(ctx, job, outPath, frameCmd, true); err == nil {
			q.setMessage(job.ID, "rendered via virtual display")
			return nil
		}
		telemetry.TierFallbacks.Inc()
		q.setMessage(job.ID, "virtual-display render failed, generating placeholder")
	} else {
		q.setMessage(job.ID, "no virtual display configured, generating placeholder")
	}

	if !q.cfg.PlaceholderEnabled {
		return fmt.Errorf("all render tiers failed and placeholder generation is disabled")
	}
	if err := writePlaceholder(outPath, job.Params); err != nil {
		return fmt.Errorf("placeholder generation failed: %w", err)
	}
	q.setMessage(job.ID, "completed with placeholder image")
	return nil
}

// engineTier issues the scene command sequence plus a save, then verifies the
// file landed on disk. Any engine-side problem is a tier failure, never a job
// failure: a session terminated mid-render surfaces here as a failed command
// and falls through to the placeholder tier.
func (q *Queue) engineTier(ctx context.Context, job models.RenderingJob, outPath, frameCmd string, virtualDisplay bool) error {
	cmds := sceneCommands(job.Params)
	if virtualDisplay {
		// Re-route rendering through the engine's software/X fallback path.
		cmds = append([]string{"graphics driver software"}, cmds...)
	}
	if frameCmd != "" {
		cmds = append(cmds, frameCmd)
	}

	for _, result := range q.commands.ExecuteSequence(ctx, job.SessionID, cmds) {
		if !result.Success && offscreenUnavailable(result.Error) {
			return fmt.Errorf("%w: %s", errTierFailed, result.Error)
		}
	}

	saveResult, err := q.commands.Execute(ctx, job.SessionID, saveCommand(outPath, job.Params), 0)
	if err != nil {
		return fmt.Errorf("%w: %v", errTierFailed, err)
	}
	if !saveResult.Success {
		return fmt.Errorf("%w: %s", errTierFailed, saveResult.Error)
	}

	// Absence of the output file is a tier failure even when the engine
	// reported success.
	if info, err := os.Stat(outPath); err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: engine reported success but %s was not written", errTierFailed, outPath)
	}
	return nil
}

// sceneCommands translates render parameters into the engine's style, camera,
// lighting, and background setup.
func sceneCommands(params models.RenderParams) []string {
	var cmds []string
	if params.Style != "" {
		cmds = append(cmds, fmt.Sprintf("style %s", params.Style))
	}
	if params.Camera != "" {
		cmds = append(cmds, fmt.Sprintf("view %s", params.Camera))
	}
	if params.Lighting != "" {
		cmds = append(cmds, fmt.Sprintf("lighting %s", params.Lighting))
	}
	if params.Background != "" {
		cmds = append(cmds, fmt.Sprintf("set bgColor %s", params.Background))
	}
	return cmds
}

func saveCommand(outPath string, params models.RenderParams) string {
	return fmt.Sprintf("save %s width %d height %d supersample 3", outPath, params.Width, params.Height)
}

// offscreenUnavailable recognizes engine errors that mean the offscreen
// framebuffer cannot be used on this host.
func offscreenUnavailable(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"opengl", "offscreen", "osmesa", "egl", "framebuffer", "display"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func imageExt(format string) string {
	switch format {
	case "jpg", "jpeg":
		return "jpg"
	default:
		return "png"
	}
}
