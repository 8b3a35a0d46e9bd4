// Package sim provides a local stand-in for an inference backend. It walks
// the same stage sequence a real backend reports and produces small PNG
// outputs, which makes it useful both for development without a GPU host and
// for exercising the control plane in tests.
package sim

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"spriteforge.dev/internal/core/domain"
	"spriteforge.dev/internal/core/ports"
	"spriteforge.dev/internal/protocol"
)

// Config controls pacing. Tests shrink the durations to keep runs fast.
type Config struct {
	OutputDir    string
	PrepareTime  time.Duration
	StepTime     time.Duration
	PostTime     time.Duration
	SaveTime     time.Duration
	DefaultSteps int
}

func (c *Config) defaults() {
	if c.PrepareTime <= 0 {
		c.PrepareTime = 300 * time.Millisecond
	}
	if c.StepTime <= 0 {
		c.StepTime = 200 * time.Millisecond
	}
	if c.PostTime <= 0 {
		c.PostTime = 150 * time.Millisecond
	}
	if c.SaveTime <= 0 {
		c.SaveTime = 100 * time.Millisecond
	}
	if c.DefaultSteps <= 0 {
		c.DefaultSteps = 20
	}
}

// Executor simulates a generation run.
type Executor struct {
	cfg Config
}

func New(cfg Config) *Executor {
	cfg.defaults()
	return &Executor{cfg: cfg}
}

var _ ports.Executor = (*Executor)(nil)

// Execute walks preparing, executing, postprocessing and saving, reporting
// progress after every step and honoring ctx cancellation between steps.
func (e *Executor) Execute(ctx context.Context, jobID string, payload []byte, report ports.ProgressFunc) ([]string, error) {
	params, err := protocol.DecodeParams(payload)
	if err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	steps := params.Steps
	if steps <= 0 {
		steps = e.cfg.DefaultSteps
	}

	report(ports.StageReport{Stage: domain.StagePreparing, Fraction: -1})
	if err := sleep(ctx, e.cfg.PrepareTime); err != nil {
		return nil, err
	}

	for i := 1; i <= steps; i++ {
		if err := sleep(ctx, e.cfg.StepTime); err != nil {
			return nil, err
		}
		report(ports.StageReport{
			Stage:      domain.StageExecuting,
			Fraction:   float64(i) / float64(steps),
			Step:       i,
			TotalSteps: steps,
		})
	}

	report(ports.StageReport{Stage: domain.StagePostprocessing, Fraction: -1})
	if err := sleep(ctx, e.cfg.PostTime); err != nil {
		return nil, err
	}

	report(ports.StageReport{Stage: domain.StageSaving, Fraction: -1})
	if err := sleep(ctx, e.cfg.SaveTime); err != nil {
		return nil, err
	}
	path, err := e.writeOutput(jobID, params)
	if err != nil {
		return nil, err
	}
	report(ports.StageReport{Stage: domain.StageSaving, Fraction: 1, PreviewPath: path})

	return []string{path}, nil
}

func (e *Executor) writeOutput(jobID string, params protocol.GenerateParams) (string, error) {
	w, h := params.Width, params.Height
	if w <= 0 {
		w = 64
	}
	if h <= 0 {
		h = 64
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(255 * x / w),
				G: uint8(255 * y / h),
				B: 128,
				A: 255,
			})
		}
	}

	if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(e.cfg.OutputDir, fmt.Sprintf("%s.png", jobID))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return "", err
	}
	return path, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
