package main

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"spriteforge.dev/internal/core/preview"
)

func testPane(ctx context.Context, r preview.Renderer) (*previewPane, *bytes.Buffer) {
	cache := preview.NewCache(r, 1<<20)
	cache.Start(ctx)
	var out bytes.Buffer
	return &previewPane{
		cache:   cache,
		opts:    preview.Options{MaxWidth: 400, MaxHeight: 400},
		waiting: make(map[string]bool),
		out:     &out,
		errW:    io.Discard,
	}, &out
}

// A render still in flight when the job finishes must be waited for, not
// dropped, so the final image reaches the terminal.
func TestFlushWaitsForInflightRender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow := preview.RenderFunc(func(path string, opts preview.Options) ([]byte, error) {
		time.Sleep(50 * time.Millisecond)
		return []byte("rendered:" + path), nil
	})
	pane, out := testPane(ctx, slow)

	pane.show("/tmp/final.png")
	if out.Len() != 0 {
		t.Fatalf("pane wrote %q before the render finished", out.String())
	}

	pane.flush(2 * time.Second)
	if got := out.String(); got != "rendered:/tmp/final.png" {
		t.Fatalf("flushed output = %q", got)
	}
	if len(pane.waiting) != 0 {
		t.Fatalf("still waiting on %v after flush", pane.waiting)
	}
}

func TestFlushGivesUpAtDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stuck := preview.RenderFunc(func(path string, opts preview.Options) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	pane, out := testPane(ctx, stuck)

	pane.show("/tmp/never.png")
	start := time.Now()
	pane.flush(100 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("flush blocked for %v past its deadline", elapsed)
	}
	if out.Len() != 0 {
		t.Fatalf("pane wrote %q for an unfinished render", out.String())
	}
}
