// Package protocol defines the wire messages exchanged between the terminal
// client and the generation backend, and the binary envelope that carries
// them.
//
// Version: 1
// Body serialization: MessagePack
// Transport: command channel (REQ-REP) + broadcast channel (PUB-SUB)
package protocol

import (
	"spriteforge.dev/internal/core/domain"
)

// Version is the protocol version stamped on every envelope.
const Version uint8 = 1

// Default endpoints.
const (
	DefaultCommandAddr   = "tcp://127.0.0.1:5555"
	DefaultBroadcastAddr = "tcp://127.0.0.1:5556"
)

// Kind is the message family discriminant carried in the envelope header.
type Kind uint8

const (
	KindRequest  Kind = 0x01
	KindResponse Kind = 0x02
	KindUpdate   Kind = 0x03
)

// Message is any wire message. Concrete types implement kind and a variant
// name; together with Version they form the envelope header.
type Message interface {
	Kind() Kind
	Name() string
}

// Request is sent client -> server on the command channel and expects exactly
// one Response.
type Request interface {
	Message
	isRequest()
}

// Response is sent server -> client, one per Request.
type Response interface {
	Message
	isResponse()
}

// Update is published server -> all subscribers on the broadcast channel.
// Updates are ordered per job, unordered across jobs, and never replayed to
// late subscribers.
type Update interface {
	Message
	isUpdate()
}

// ----------------------------------------------------------------------------
// Requests
// ----------------------------------------------------------------------------

// Generate submits a new job. The payload is opaque to the control plane;
// see GenerateParams for the conventional contents.
type Generate struct {
	ID       string          `msgpack:"id"`
	Payload  []byte          `msgpack:"payload"`
	Priority domain.Priority `msgpack:"priority"`
}

// Cancel requests cooperative cancellation of a queued or running job.
type Cancel struct {
	JobID string `msgpack:"job_id"`
}

// ListModels asks the backend to enumerate available models.
type ListModels struct{}

// Status asks for queue/running counts and throughput.
type Status struct{}

// Ping is a health check; it doubles as the heartbeat for connection-loss
// detection.
type Ping struct{}

func (Generate) Kind() Kind   { return KindRequest }
func (Cancel) Kind() Kind     { return KindRequest }
func (ListModels) Kind() Kind { return KindRequest }
func (Status) Kind() Kind     { return KindRequest }
func (Ping) Kind() Kind       { return KindRequest }

func (Generate) Name() string   { return "generate" }
func (Cancel) Name() string     { return "cancel" }
func (ListModels) Name() string { return "list_models" }
func (Status) Name() string     { return "status" }
func (Ping) Name() string       { return "ping" }

func (Generate) isRequest()   {}
func (Cancel) isRequest()     {}
func (ListModels) isRequest() {}
func (Status) isRequest()     {}
func (Ping) isRequest()       {}

// ----------------------------------------------------------------------------
// Responses
// ----------------------------------------------------------------------------

// JobAccepted acknowledges a Generate request; execution may still be
// deferred behind higher-priority work.
type JobAccepted struct {
	JobID      string  `msgpack:"job_id"`
	EtaSeconds float64 `msgpack:"eta_seconds"`
}

// JobComplete reports a finished job with its produced artifacts.
type JobComplete struct {
	JobID     string   `msgpack:"job_id"`
	Outputs   []string `msgpack:"outputs"`
	DurationS float64  `msgpack:"duration_s"`
}

// JobError reports a job-scoped failure.
type JobError struct {
	JobID   string `msgpack:"job_id"`
	Message string `msgpack:"message"`
}

// JobCancelled acknowledges a successful Cancel.
type JobCancelled struct {
	JobID string `msgpack:"job_id"`
}

// ModelList answers ListModels.
type ModelList struct {
	Models []ModelInfo `msgpack:"models"`
}

// StatusInfo answers Status.
type StatusInfo struct {
	Version    string  `msgpack:"version"`
	Queued     int     `msgpack:"queued"`
	Running    int     `msgpack:"running"`
	Throughput float64 `msgpack:"throughput"` // completions per minute
	UptimeS    int64   `msgpack:"uptime_s"`
}

// Pong answers Ping.
type Pong struct{}

// Error is the generic server-reported failure, distinct from a transport
// error: it means the server answered, and the answer is a refusal.
type Error struct {
	Message string `msgpack:"message"`
}

func (JobAccepted) Kind() Kind  { return KindResponse }
func (JobComplete) Kind() Kind  { return KindResponse }
func (JobError) Kind() Kind     { return KindResponse }
func (JobCancelled) Kind() Kind { return KindResponse }
func (ModelList) Kind() Kind    { return KindResponse }
func (StatusInfo) Kind() Kind   { return KindResponse }
func (Pong) Kind() Kind         { return KindResponse }
func (Error) Kind() Kind        { return KindResponse }

func (JobAccepted) Name() string  { return "job_accepted" }
func (JobComplete) Name() string  { return "job_complete" }
func (JobError) Name() string     { return "job_error" }
func (JobCancelled) Name() string { return "job_cancelled" }
func (ModelList) Name() string    { return "model_list" }
func (StatusInfo) Name() string   { return "status_info" }
func (Pong) Name() string         { return "pong" }
func (Error) Name() string        { return "error" }

func (JobAccepted) isResponse()  {}
func (JobComplete) isResponse()  {}
func (JobError) isResponse()     {}
func (JobCancelled) isResponse() {}
func (ModelList) isResponse()    {}
func (StatusInfo) isResponse()   {}
func (Pong) isResponse()         {}
func (Error) isResponse()        {}

// ----------------------------------------------------------------------------
// Updates
// ----------------------------------------------------------------------------

// JobStarted announces that a job transitioned queued -> running.
type JobStarted struct {
	JobID     string `msgpack:"job_id"`
	Timestamp int64  `msgpack:"timestamp"`
}

// Progress reports stage and fraction for a running job. Fraction is
// monotonically non-decreasing for a given job.
type Progress struct {
	JobID      string       `msgpack:"job_id"`
	Stage      domain.Stage `msgpack:"stage"`
	Fraction   float64      `msgpack:"fraction"`
	EtaSeconds float64      `msgpack:"eta_seconds"`
	Step       int          `msgpack:"step"`
	TotalSteps int          `msgpack:"total_steps"`
}

// Preview announces an intermediate artifact available for display.
type Preview struct {
	JobID string `msgpack:"job_id"`
	Path  string `msgpack:"path"`
}

// JobFinished is the last update for a job; Status is one of the terminal
// statuses.
type JobFinished struct {
	JobID     string           `msgpack:"job_id"`
	Status    domain.JobStatus `msgpack:"status"`
	DurationS float64          `msgpack:"duration_s"`
}

func (JobStarted) Kind() Kind  { return KindUpdate }
func (Progress) Kind() Kind    { return KindUpdate }
func (Preview) Kind() Kind     { return KindUpdate }
func (JobFinished) Kind() Kind { return KindUpdate }

func (JobStarted) Name() string  { return "job_started" }
func (Progress) Name() string    { return "progress" }
func (Preview) Name() string     { return "preview" }
func (JobFinished) Name() string { return "job_finished" }

func (JobStarted) isUpdate()  {}
func (Progress) isUpdate()    {}
func (Preview) isUpdate()     {}
func (JobFinished) isUpdate() {}

// ----------------------------------------------------------------------------
// Supporting types
// ----------------------------------------------------------------------------

// ModelKind classifies a model file by its directory of origin.
type ModelKind string

const (
	ModelCheckpoint ModelKind = "checkpoint"
	ModelLora       ModelKind = "lora"
	ModelVae        ModelKind = "vae"
)

// ModelInfo describes one model file found by the backend scanner.
type ModelInfo struct {
	Name   string    `msgpack:"name"`
	Path   string    `msgpack:"path"`
	Kind   ModelKind `msgpack:"kind"`
	SizeMB int64     `msgpack:"size_mb"`
}
