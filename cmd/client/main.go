// Command client is a terminal front end for the worker: it submits
// generation jobs over the command channel, follows broadcast updates and
// draws preview images inline on sixel-capable terminals.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	sixel_renderer "spriteforge.dev/internal/adapters/renderer/sixel"
	"spriteforge.dev/internal/adapters/transport/zmq"
	"spriteforge.dev/internal/config"
	"spriteforge.dev/internal/core/domain"
	"spriteforge.dev/internal/core/preview"
	"spriteforge.dev/internal/protocol"
)

const requestTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := zmq.Dial(ctx, cfg.CommandAddr, cfg.BroadcastAddr)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer client.Close()

	switch os.Args[1] {
	case "submit":
		err = runSubmit(ctx, client, cfg.PreviewBudgetMB, os.Args[2:])
	case "cancel":
		err = runCancel(client, os.Args[2:])
	case "status":
		err = runStatus(client)
	case "models":
		err = runModels(client)
	case "ping":
		err = client.Ping(requestTimeout)
		if err == nil {
			fmt.Println("pong")
		}
	case "watch":
		err = runWatch(ctx, client)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: client <command> [flags]

commands:
  submit   submit a generation job and follow it to completion
  cancel   cancel a job by id
  status   show queue counts and throughput
  models   list models available on the worker
  ping     check worker liveness
  watch    follow all broadcast updates`)
}

func runSubmit(ctx context.Context, client *zmq.Client, previewBudgetMB int, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	prompt := fs.String("prompt", "", "generation prompt (required)")
	model := fs.String("model", "", "checkpoint name")
	lora := fs.String("lora", "", "lora name")
	width := fs.Int("width", 512, "image width")
	height := fs.Int("height", 512, "image height")
	steps := fs.Int("steps", 20, "sampling steps")
	cfgScale := fs.Float64("cfg", 7.0, "guidance scale")
	priority := fs.String("priority", "normal", "urgent, high, normal or low")
	noFollow := fs.Bool("no-follow", false, "return after submission")
	fs.Parse(args)

	if *prompt == "" {
		return fmt.Errorf("submit: -prompt is required")
	}
	prio, err := parsePriority(*priority)
	if err != nil {
		return err
	}

	payload, err := (&protocol.GenerateParams{
		Prompt:   *prompt,
		Model:    *model,
		Lora:     *lora,
		Width:    *width,
		Height:   *height,
		Steps:    *steps,
		CfgScale: *cfgScale,
	}).EncodePayload()
	if err != nil {
		return err
	}

	accepted, err := client.Generate("", payload, prio, requestTimeout)
	if err != nil {
		return err
	}
	fmt.Printf("accepted %s, estimated %.0fs\n", accepted.JobID, accepted.EtaSeconds)

	if *noFollow {
		return nil
	}
	return follow(ctx, client, accepted.JobID, previewBudgetMB)
}

// follow drains broadcast updates for one job until it finishes, drawing
// previews as they arrive.
func follow(ctx context.Context, client *zmq.Client, jobID string, previewBudgetMB int) error {
	previews := newPreviewPane(ctx, previewBudgetMB)

	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-client.Updates():
			switch ev := u.(type) {
			case *protocol.Progress:
				if ev.JobID != jobID {
					continue
				}
				if ev.TotalSteps > 0 {
					fmt.Printf("\r%-15s %5.1f%%  step %d/%d  eta %4.0fs", ev.Stage, ev.Fraction*100, ev.Step, ev.TotalSteps, ev.EtaSeconds)
				} else {
					fmt.Printf("\r%-15s %5.1f%%  eta %4.0fs", ev.Stage, ev.Fraction*100, ev.EtaSeconds)
				}
			case *protocol.Preview:
				if ev.JobID != jobID {
					continue
				}
				previews.show(ev.Path)
			case *protocol.JobFinished:
				if ev.JobID != jobID {
					continue
				}
				previews.flush(2 * time.Second)
				fmt.Printf("\n%s after %.1fs\n", ev.Status, ev.DurationS)
				if ev.Status != domain.JobStatusCompleted {
					return fmt.Errorf("job %s %s", jobID, ev.Status)
				}
				return nil
			}
		}
	}
}

// previewPane renders preview images asynchronously so a slow decode never
// stalls the update stream.
type previewPane struct {
	cache   *preview.Cache
	opts    preview.Options
	waiting map[string]bool
	out     io.Writer
	errW    io.Writer
}

func newPreviewPane(ctx context.Context, budgetMB int) *previewPane {
	cache := preview.NewCache(sixel_renderer.New(), budgetMB<<20)
	cache.Start(ctx)
	return &previewPane{
		cache:   cache,
		opts:    preview.Options{MaxWidth: 400, MaxHeight: 400},
		waiting: make(map[string]bool),
		out:     os.Stdout,
		errW:    os.Stderr,
	}
}

func (p *previewPane) show(path string) {
	if data, pending := p.cache.Request(path, p.opts); !pending && data != nil {
		p.out.Write(data)
		return
	}
	p.waiting[filepath.Clean(path)] = true
	p.drain()
}

// drain writes any finished renders to the terminal.
func (p *previewPane) drain() {
	for {
		res, ok := p.cache.TryRecv()
		if !ok {
			return
		}
		delete(p.waiting, res.Path)
		if res.Err != nil {
			fmt.Fprintf(p.errW, "\npreview: %v\n", res.Err)
			continue
		}
		p.out.Write(res.Data)
	}
}

// flush keeps draining until every requested render has come back, so the
// final image still prints when the job finishes mid-render. Bounded by
// timeout in case the worker was stopped under us.
func (p *previewPane) flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		p.drain()
		if len(p.waiting) == 0 || time.Now().After(deadline) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func runCancel(client *zmq.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("cancel: expected exactly one job id")
	}
	if err := client.Cancel(args[0], requestTimeout); err != nil {
		return err
	}
	fmt.Printf("cancelled %s\n", args[0])
	return nil
}

func runStatus(client *zmq.Client) error {
	info, err := client.Status(requestTimeout)
	if err != nil {
		return err
	}
	fmt.Printf("worker %s  up %ds\n", info.Version, info.UptimeS)
	fmt.Printf("queued %d  running %d  throughput %.2f/min\n",
		info.Queued, info.Running, info.Throughput)
	return nil
}

func runModels(client *zmq.Client) error {
	models, err := client.ListModels(requestTimeout)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		fmt.Println("no models found")
		return nil
	}
	for _, m := range models {
		fmt.Printf("%-12s %-40s %6d MB\n", m.Kind, m.Name, m.SizeMB)
	}
	return nil
}

func runWatch(ctx context.Context, client *zmq.Client) error {
	fmt.Println("watching broadcast updates, ctrl-c to stop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-client.Updates():
			switch ev := u.(type) {
			case *protocol.JobStarted:
				fmt.Printf("%s started\n", ev.JobID)
			case *protocol.Progress:
				fmt.Printf("%s %s %.1f%% eta %.0fs\n", ev.JobID, ev.Stage, ev.Fraction*100, ev.EtaSeconds)
			case *protocol.Preview:
				fmt.Printf("%s preview %s\n", ev.JobID, ev.Path)
			case *protocol.JobFinished:
				fmt.Printf("%s %s after %.1fs\n", ev.JobID, ev.Status, ev.DurationS)
			}
		}
	}
}

func parsePriority(s string) (domain.Priority, error) {
	switch s {
	case "urgent":
		return domain.PriorityUrgent, nil
	case "high":
		return domain.PriorityHigh, nil
	case "normal":
		return domain.PriorityNormal, nil
	case "low":
		return domain.PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}
