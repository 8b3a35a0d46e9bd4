// Package comfy drives a ComfyUI-compatible inference host over its HTTP and
// websocket API: a workflow is posted to /prompt, step progress arrives on
// the /ws socket, and finished image paths are read back from /history.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"spriteforge.dev/internal/core/circuitbreaker"
	"spriteforge.dev/internal/core/domain"
	"spriteforge.dev/internal/core/logger"
	"spriteforge.dev/internal/core/ports"
	"spriteforge.dev/internal/protocol"
)

// Config holds connection settings for the inference host.
type Config struct {
	BaseURL   string // e.g. http://127.0.0.1:8188
	OutputDir string // directory the host writes images into
	Timeout   time.Duration
}

// Executor submits workflows and tracks them to completion. All HTTP calls
// to the host go through a shared circuit breaker.
type Executor struct {
	cfg      Config
	clientID string
	http     *http.Client
	breaker  *circuitbreaker.CircuitBreaker
}

func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Executor{
		cfg:      cfg,
		clientID: uuid.NewString(),
		http:     &http.Client{Timeout: cfg.Timeout},
		breaker:  circuitbreaker.New("inference-host"),
	}
}

var _ ports.Executor = (*Executor)(nil)

type promptResponse struct {
	PromptID string `json:"prompt_id"`
}

type wsEvent struct {
	Type string `json:"type"`
	Data struct {
		Value    int    `json:"value"`
		Max      int    `json:"max"`
		PromptID string `json:"prompt_id"`
		Node     string `json:"node"`
	} `json:"data"`
}

type historyOutput struct {
	Images []struct {
		Filename  string `json:"filename"`
		Subfolder string `json:"subfolder"`
	} `json:"images"`
}

// Execute runs one generation on the host, reporting stage progress through
// report. Cancelling ctx interrupts the host's current run.
func (e *Executor) Execute(ctx context.Context, jobID string, payload []byte, report ports.ProgressFunc) ([]string, error) {
	params, err := protocol.DecodeParams(payload)
	if err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}

	report(ports.StageReport{Stage: domain.StagePreparing, Fraction: -1})

	ws, err := e.dialProgress(ctx)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	promptID, err := e.submit(ctx, params)
	if err != nil {
		return nil, err
	}
	logger.DebugContext(ctx, "workflow submitted", "prompt_id", promptID)

	// On cancellation, tell the host to drop the run before returning.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			e.interrupt(promptID)
			ws.Close()
		case <-done:
		}
	}()

	if err := e.followProgress(ctx, ws, promptID, report); err != nil {
		return nil, err
	}

	report(ports.StageReport{Stage: domain.StageSaving, Fraction: -1})
	outputs, err := e.fetchOutputs(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if len(outputs) > 0 {
		report(ports.StageReport{Stage: domain.StageSaving, Fraction: 1, PreviewPath: outputs[0]})
	}
	return outputs, nil
}

func (e *Executor) submit(ctx context.Context, params protocol.GenerateParams) (string, error) {
	body, err := json.Marshal(map[string]any{
		"client_id": e.clientID,
		"prompt":    buildWorkflow(params),
	})
	if err != nil {
		return "", err
	}

	var out promptResponse
	err = e.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/prompt", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("prompt rejected: %s: %s", resp.Status, msg)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil {
		return "", fmt.Errorf("submit workflow: %w", err)
	}
	return out.PromptID, nil
}

func (e *Executor) dialProgress(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(e.cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = "clientId=" + e.clientID

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial progress socket: %w", err)
	}
	return ws, nil
}

// followProgress consumes websocket events until the host signals the run is
// done (an executing event with an empty node for our prompt).
func (e *Executor) followProgress(ctx context.Context, ws *websocket.Conn, promptID string, report ports.ProgressFunc) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("progress socket: %w", err)
		}
		var ev wsEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue // binary preview frames and other non-JSON traffic
		}
		switch ev.Type {
		case "progress":
			if ev.Data.Max > 0 {
				report(ports.StageReport{
					Stage:      domain.StageExecuting,
					Fraction:   float64(ev.Data.Value) / float64(ev.Data.Max),
					Step:       ev.Data.Value,
					TotalSteps: ev.Data.Max,
				})
			}
		case "executing":
			if ev.Data.PromptID == promptID && ev.Data.Node == "" {
				report(ports.StageReport{Stage: domain.StagePostprocessing, Fraction: -1})
				return nil
			}
		}
	}
}

func (e *Executor) fetchOutputs(ctx context.Context, promptID string) ([]string, error) {
	var paths []string
	err := e.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+"/history/"+promptID, nil)
		if err != nil {
			return err
		}
		resp, err := e.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("history fetch: %s", resp.Status)
		}

		var hist map[string]struct {
			Outputs map[string]historyOutput `json:"outputs"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
			return err
		}
		entry, ok := hist[promptID]
		if !ok {
			return fmt.Errorf("prompt %s missing from history", promptID)
		}
		for _, out := range entry.Outputs {
			for _, img := range out.Images {
				paths = append(paths, filepath.Join(e.cfg.OutputDir, img.Subfolder, img.Filename))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("prompt %s produced no images", promptID)
	}
	return paths, nil
}

// interrupt is best-effort; it runs outside the job context because the job
// context is already cancelled.
func (e *Executor) interrupt(promptID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/interrupt", nil)
	if err != nil {
		return
	}
	resp, err := e.http.Do(req)
	if err != nil {
		logger.Warn("interrupt failed", "prompt_id", promptID, "error", err)
		return
	}
	resp.Body.Close()
}

// buildWorkflow maps generation parameters onto a minimal text-to-image
// graph in the host's node format.
func buildWorkflow(p protocol.GenerateParams) map[string]any {
	width, height := p.Width, p.Height
	if width <= 0 {
		width = 512
	}
	if height <= 0 {
		height = 512
	}
	steps := p.Steps
	if steps <= 0 {
		steps = 20
	}
	cfg := p.CfgScale
	if cfg <= 0 {
		cfg = 7.0
	}

	return map[string]any{
		"1": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": p.Model},
		},
		"2": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"text": p.Prompt, "clip": []any{"1", 1}},
		},
		"3": map[string]any{
			"class_type": "EmptyLatentImage",
			"inputs":     map[string]any{"width": width, "height": height, "batch_size": 1},
		},
		"4": map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"model":    []any{"1", 0},
				"positive": []any{"2", 0},
				"negative": []any{"2", 0},
				"latent_image": []any{
					"3", 0,
				},
				"steps":        steps,
				"cfg":          cfg,
				"sampler_name": "euler",
				"scheduler":    "normal",
				"denoise":      1.0,
				"seed":         time.Now().UnixNano(),
			},
		},
		"5": map[string]any{
			"class_type": "VAEDecode",
			"inputs":     map[string]any{"samples": []any{"4", 0}, "vae": []any{"1", 2}},
		},
		"6": map[string]any{
			"class_type": "SaveImage",
			"inputs":     map[string]any{"images": []any{"5", 0}, "filename_prefix": "spriteforge"},
		},
	}
}
