package zmq

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"

	"spriteforge.dev/internal/core/domain"
	"spriteforge.dev/internal/core/logger"
	"spriteforge.dev/internal/protocol"
)

// updateBuffer bounds the broadcast receive queue; when the consumer falls
// behind, the oldest updates are dropped (the UI reconciles via Status).
const updateBuffer = 256

type roundTrip struct {
	req  protocol.Request
	resp chan rtResult
}

type rtResult struct {
	resp protocol.Response
	err  error
}

// Client is the terminal-side endpoint. A dedicated goroutine owns the REQ
// socket so there is exactly one outstanding request; a second goroutine
// pumps the SUB socket into a buffered channel drained non-blockingly by the
// UI.
type Client struct {
	reqCh   chan roundTrip
	updates chan protocol.Update

	cancel context.CancelFunc
	closed chan struct{}
	req    zmq4.Socket
	sub    zmq4.Socket
}

// Dial connects both channels. The returned client must be Closed.
func Dial(ctx context.Context, cmdAddr, subAddr string) (*Client, error) {
	cctx, cancel := context.WithCancel(ctx)

	req := zmq4.NewReq(cctx)
	if err := req.Dial(cmdAddr); err != nil {
		cancel()
		return nil, &TransportError{Op: "dial command channel", Err: err}
	}

	sub := zmq4.NewSub(cctx)
	if err := sub.Dial(subAddr); err != nil {
		req.Close()
		cancel()
		return nil, &TransportError{Op: "dial broadcast channel", Err: err}
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		req.Close()
		sub.Close()
		cancel()
		return nil, &TransportError{Op: "subscribe", Err: err}
	}

	c := &Client{
		reqCh:   make(chan roundTrip),
		updates: make(chan protocol.Update, updateBuffer),
		cancel:  cancel,
		closed:  make(chan struct{}),
		req:     req,
		sub:     sub,
	}
	go c.requestLoop(cctx)
	go c.subscribeLoop(cctx)
	return c, nil
}

// Do performs one command-channel round trip with a caller-supplied timeout.
// A timeout is reported as ErrTimeout, a transport error distinct from a
// server-reported *protocol.Error response: the caller must not assume the
// job failed, only that no answer arrived in time.
func (c *Client) Do(req protocol.Request, timeout time.Duration) (protocol.Response, error) {
	rt := roundTrip{req: req, resp: make(chan rtResult, 1)}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.reqCh <- rt:
	case <-c.closed:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTimeout
	}

	select {
	case res := <-rt.resp:
		return res.resp, res.err
	case <-c.closed:
		return nil, ErrClosed
	case <-timer.C:
		// The request loop will discard the late reply into the buffered
		// channel, keeping the REQ socket's send/recv alternation intact.
		return nil, ErrTimeout
	}
}

// requestLoop owns the REQ socket: strictly send one, receive one.
func (c *Client) requestLoop(ctx context.Context) {
	for {
		var rt roundTrip
		select {
		case <-ctx.Done():
			return
		case rt = <-c.reqCh:
		}

		data, err := protocol.Encode(rt.req)
		if err != nil {
			rt.resp <- rtResult{err: &TransportError{Op: "encode request", Err: err}}
			continue
		}
		if err := c.req.Send(zmq4.NewMsg(data)); err != nil {
			rt.resp <- rtResult{err: &TransportError{Op: "send request", Err: err}}
			continue
		}
		msg, err := c.req.Recv()
		if err != nil {
			rt.resp <- rtResult{err: &TransportError{Op: "recv response", Err: err}}
			continue
		}
		resp, err := protocol.DecodeResponse(msg.Bytes())
		if err != nil {
			rt.resp <- rtResult{err: err}
			continue
		}
		rt.resp <- rtResult{resp: resp}
	}
}

// subscribeLoop pumps the broadcast channel. Undecodable updates are logged
// and skipped; a full buffer drops the oldest update.
func (c *Client) subscribeLoop(ctx context.Context) {
	for {
		msg, err := c.sub.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("broadcast receive failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		u, err := protocol.DecodeUpdate(msg.Bytes())
		if err != nil {
			logger.Warn("malformed update", "error", err)
			continue
		}
		for {
			select {
			case c.updates <- u:
			default:
				select {
				case <-c.updates:
				default:
				}
				continue
			}
			break
		}
	}
}

// TryRecvUpdate returns one pending update without blocking.
func (c *Client) TryRecvUpdate() (protocol.Update, bool) {
	select {
	case u := <-c.updates:
		return u, true
	default:
		return nil, false
	}
}

// Updates exposes the broadcast stream for blocking consumers.
func (c *Client) Updates() <-chan protocol.Update {
	return c.updates
}

// Ping is the heartbeat used to detect a dropped connection: on ErrTimeout
// the caller should reconnect.
func (c *Client) Ping(timeout time.Duration) error {
	resp, err := c.Do(&protocol.Ping{}, timeout)
	if err != nil {
		return err
	}
	if _, ok := resp.(*protocol.Pong); !ok {
		return &TransportError{Op: "ping", Err: fmt.Errorf("unexpected response %q", resp.Name())}
	}
	return nil
}

// Generate submits a job and returns the assigned id and ETA.
func (c *Client) Generate(id string, payload []byte, priority domain.Priority, timeout time.Duration) (*protocol.JobAccepted, error) {
	resp, err := c.Do(&protocol.Generate{ID: id, Payload: payload, Priority: priority}, timeout)
	if err != nil {
		return nil, err
	}
	switch r := resp.(type) {
	case *protocol.JobAccepted:
		return r, nil
	case *protocol.JobError:
		return nil, fmt.Errorf("job rejected: %s", r.Message)
	case *protocol.Error:
		return nil, fmt.Errorf("server error: %s", r.Message)
	}
	return nil, &TransportError{Op: "generate", Err: fmt.Errorf("unexpected response %q", resp.Name())}
}

// Cancel requests cancellation of a job.
func (c *Client) Cancel(jobID string, timeout time.Duration) error {
	resp, err := c.Do(&protocol.Cancel{JobID: jobID}, timeout)
	if err != nil {
		return err
	}
	switch r := resp.(type) {
	case *protocol.JobCancelled:
		return nil
	case *protocol.JobError:
		return fmt.Errorf("cancel refused: %s", r.Message)
	case *protocol.Error:
		return fmt.Errorf("server error: %s", r.Message)
	}
	return &TransportError{Op: "cancel", Err: fmt.Errorf("unexpected response %q", resp.Name())}
}

// Status fetches queue/running counts and throughput.
func (c *Client) Status(timeout time.Duration) (*protocol.StatusInfo, error) {
	resp, err := c.Do(&protocol.Status{}, timeout)
	if err != nil {
		return nil, err
	}
	info, ok := resp.(*protocol.StatusInfo)
	if !ok {
		return nil, &TransportError{Op: "status", Err: fmt.Errorf("unexpected response %q", resp.Name())}
	}
	return info, nil
}

// ListModels fetches the backend's model inventory.
func (c *Client) ListModels(timeout time.Duration) ([]protocol.ModelInfo, error) {
	resp, err := c.Do(&protocol.ListModels{}, timeout)
	if err != nil {
		return nil, err
	}
	list, ok := resp.(*protocol.ModelList)
	if !ok {
		return nil, &TransportError{Op: "list models", Err: fmt.Errorf("unexpected response %q", resp.Name())}
	}
	return list.Models, nil
}

// Close tears down both sockets. Pending Do calls return ErrClosed.
func (c *Client) Close() {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	c.cancel()
	c.req.Close()
	c.sub.Close()
}
