// Package zmq implements the two wire channels: a synchronous command
// channel (REQ-REP, one outstanding request per round trip) and a
// fire-and-forget broadcast channel (PUB-SUB, no replay for late
// subscribers).
package zmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"spriteforge.dev/internal/core/logger"
	"spriteforge.dev/internal/core/services"
	"spriteforge.dev/internal/protocol"
)

// Server binds the REP and PUB sockets and dispatches command-channel
// requests to the scheduler. It implements ports.UpdatePublisher for the
// broadcast channel.
type Server struct {
	cmdAddr string
	pubAddr string
	version string

	sched   *services.Scheduler
	tracker *services.Tracker
	scanner *services.ModelScanner

	rep zmq4.Socket
	pub zmq4.Socket

	pubMu   sync.Mutex
	started time.Time
}

func NewServer(cmdAddr, pubAddr, version string, sched *services.Scheduler, tracker *services.Tracker, scanner *services.ModelScanner) *Server {
	return &Server{
		cmdAddr: cmdAddr,
		pubAddr: pubAddr,
		version: version,
		sched:   sched,
		tracker: tracker,
		scanner: scanner,
	}
}

// Listen binds both sockets. Call before Run and before any Publish.
func (s *Server) Listen(ctx context.Context) error {
	s.rep = zmq4.NewRep(ctx)
	if err := s.rep.Listen(s.cmdAddr); err != nil {
		return &TransportError{Op: "listen command channel", Err: err}
	}

	s.pub = zmq4.NewPub(ctx)
	if err := s.pub.Listen(s.pubAddr); err != nil {
		s.rep.Close()
		return &TransportError{Op: "listen broadcast channel", Err: err}
	}

	s.started = time.Now()
	logger.Info("transport listening", "command", s.cmdAddr, "broadcast", s.pubAddr)
	return nil
}

// CommandAddr returns the bound command endpoint (useful with port 0).
func (s *Server) CommandAddr() string {
	if s.rep == nil || s.rep.Addr() == nil {
		return s.cmdAddr
	}
	return "tcp://" + s.rep.Addr().String()
}

// BroadcastAddr returns the bound broadcast endpoint.
func (s *Server) BroadcastAddr() string {
	if s.pub == nil || s.pub.Addr() == nil {
		return s.pubAddr
	}
	return "tcp://" + s.pub.Addr().String()
}

// Run serves the command channel until ctx is cancelled. Malformed requests
// are answered with a generic Error; they never crash the loop.
func (s *Server) Run(ctx context.Context) error {
	for {
		msg, err := s.rep.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("command channel receive failed", "error", err)
			return &TransportError{Op: "recv request", Err: err}
		}

		var resp protocol.Response
		req, err := protocol.DecodeRequest(msg.Bytes())
		if err != nil {
			logger.Warn("malformed request", "error", err)
			resp = &protocol.Error{Message: err.Error()}
		} else {
			resp = s.handle(req)
		}

		data, err := protocol.Encode(resp)
		if err != nil {
			logger.Error("response encode failed", "error", err)
			data, _ = protocol.Encode(&protocol.Error{Message: "internal encode failure"})
		}
		if err := s.rep.Send(zmq4.NewMsg(data)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "send response", Err: err}
		}
	}
}

func (s *Server) handle(req protocol.Request) protocol.Response {
	switch r := req.(type) {
	case *protocol.Generate:
		id, err := s.sched.Submit(r.ID, r.Payload, r.Priority)
		if err != nil {
			return &protocol.JobError{JobID: r.ID, Message: err.Error()}
		}
		return &protocol.JobAccepted{JobID: id, EtaSeconds: s.tracker.EstimateTotal()}

	case *protocol.Cancel:
		if s.sched.Cancel(r.JobID) {
			return &protocol.JobCancelled{JobID: r.JobID}
		}
		return &protocol.JobError{JobID: r.JobID, Message: "job not found or already terminal"}

	case *protocol.ListModels:
		return &protocol.ModelList{Models: s.scanner.Scan()}

	case *protocol.Status:
		queued, running := s.sched.Counts()
		return &protocol.StatusInfo{
			Version:    s.version,
			Queued:     queued,
			Running:    running,
			Throughput: s.sched.Throughput(),
			UptimeS:    int64(time.Since(s.started).Seconds()),
		}

	case *protocol.Ping:
		return &protocol.Pong{}
	}

	return &protocol.Error{Message: fmt.Sprintf("unsupported request %q", req.Name())}
}

// Publish broadcasts an update. With no subscriber connected the message is
// dropped; late joiners reconcile with a Status request.
func (s *Server) Publish(u protocol.Update) {
	if s.pub == nil {
		return
	}
	data, err := protocol.Encode(u)
	if err != nil {
		logger.Error("update encode failed", "update", u.Name(), "error", err)
		return
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if err := s.pub.Send(zmq4.NewMsg(data)); err != nil {
		logger.Warn("update publish failed", "update", u.Name(), "error", err)
	}
}

// Close releases both sockets.
func (s *Server) Close() {
	if s.rep != nil {
		s.rep.Close()
	}
	if s.pub != nil {
		s.pub.Close()
	}
}
