package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"spriteforge.dev/internal/core/domain"
)

func TestRoundTripAllVariants(t *testing.T) {
	msgs := []Message{
		&Generate{ID: "job-001", Payload: []byte{0x81, 0xa1, 0x70, 0xa2, 0x68, 0x69}, Priority: domain.PriorityHigh},
		&Cancel{JobID: "job-001"},
		&ListModels{},
		&Status{},
		&Ping{},
		&JobAccepted{JobID: "job-001", EtaSeconds: 3.5},
		&JobComplete{JobID: "job-001", Outputs: []string{"/out/a.png", "/out/b.png"}, DurationS: 12.25},
		&JobError{JobID: "job-001", Message: "model not found: sdxl-custom"},
		&JobCancelled{JobID: "job-001"},
		&ModelList{Models: []ModelInfo{
			{Name: "sdxl-base.safetensors", Path: "/models/checkpoints/sdxl-base.safetensors", Kind: ModelCheckpoint, SizeMB: 6500},
			{Name: "pixelart.safetensors", Path: "/models/loras/pixelart.safetensors", Kind: ModelLora, SizeMB: 144},
		}},
		&StatusInfo{Version: "1.0.0", Queued: 3, Running: 1, Throughput: 4.2, UptimeS: 3600},
		&Pong{},
		&Error{Message: "server overloaded"},
		&JobStarted{JobID: "job-001", Timestamp: 1699564800},
		&Progress{JobID: "job-001", Stage: domain.StageExecuting, Fraction: 0.5, EtaSeconds: 1.8, Step: 15, TotalSteps: 30},
		&Preview{JobID: "job-001", Path: "/tmp/preview-001.png"},
		&JobFinished{JobID: "job-001", Status: domain.JobStatusCompleted, DurationS: 14.0},
	}

	for _, msg := range msgs {
		data, err := Encode(msg)
		if err != nil {
			t.Fatalf("Encode(%s): %v", msg.Name(), err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s): %v", msg.Name(), err)
		}
		if !reflect.DeepEqual(got, msg) {
			t.Errorf("%s round trip = %#v, want %#v", msg.Name(), got, msg)
		}
	}
}

func TestRoundTripAllStages(t *testing.T) {
	for _, stage := range domain.StageOrder {
		u := &Progress{JobID: "job-x", Stage: stage, Fraction: 0.1}
		data, err := Encode(u)
		if err != nil {
			t.Fatalf("Encode stage %s: %v", stage, err)
		}
		got, err := DecodeUpdate(data)
		if err != nil {
			t.Fatalf("DecodeUpdate stage %s: %v", stage, err)
		}
		p, ok := got.(*Progress)
		if !ok {
			t.Fatalf("stage %s decoded to %T", stage, got)
		}
		if p.Stage != stage {
			t.Errorf("Stage = %q, want %q", p.Stage, stage)
		}
	}
}

func TestDecodeMalformedBytes(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{0xff},
		{Version},
		{Version, byte(KindRequest)},
		{Version, byte(KindRequest), 200, 'p'},
		bytes.Repeat([]byte{0x00}, 3),
	}
	for i, data := range cases {
		_, err := Decode(data)
		if err == nil {
			t.Fatalf("case %d: Decode(%v) succeeded, want error", i, data)
		}
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("case %d: error %v is not a *DecodeError", i, err)
		}
	}
}

// A length field claiming more bytes than the frame holds must be rejected
// up front; decoding must never allocate a buffer sized by garbage input.
func TestDecodeOversizedLengthClaims(t *testing.T) {
	var huge bytes.Buffer
	huge.WriteByte(Version)
	huge.WriteByte(byte(KindRequest))
	huge.WriteByte(byte(len("ping")))
	huge.WriteString("ping")
	huge.Write([]byte{0xff, 0xff, 0xff, 0xff}) // body_len = 4 GiB, no body

	cases := map[string][]byte{
		"body_len past end": huge.Bytes(),
		"name_len past end": {Version, byte(KindRequest), 255, 'p'},
	}
	for name, data := range cases {
		allocs := testing.AllocsPerRun(10, func() {
			_, err := Decode(data)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("%s: Decode err = %v, want *DecodeError", name, err)
			}
		})
		if allocs > 8 {
			t.Errorf("%s: Decode allocated %.0f objects, want the error path only", name, allocs)
		}
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	data, err := Encode(&JobAccepted{JobID: "job-1", EtaSeconds: 2})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, err = Decode(data[:len(data)-3])
	if err == nil {
		t.Fatal("Decode of truncated envelope succeeded")
	}
}

func TestDecodeUnknownVariant(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(Version)
	buf.WriteByte(byte(KindRequest))
	buf.WriteByte(byte(len("teleport")))
	buf.WriteString("teleport")
	buf.Write([]byte{0, 0, 0, 1, 0x80}) // empty msgpack map

	_, err := Decode(buf.Bytes())
	if !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("Decode unknown variant err = %v, want ErrUnknownVariant", err)
	}
}

func TestDecodeBadVersion(t *testing.T) {
	data, err := Encode(&Ping{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data[0] = 99
	_, err = Decode(data)
	if !errors.Is(err, ErrBadVersion) {
		t.Fatalf("Decode bad version err = %v, want ErrBadVersion", err)
	}
}

// A newer peer may add optional fields; decoding must ignore them.
func TestDecodeIgnoresUnknownFields(t *testing.T) {
	body, err := msgpack.Marshal(map[string]interface{}{
		"job_id":      "job-42",
		"eta_seconds": 1.5,
		"shiny_new":   true,
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var buf bytes.Buffer
	buf.WriteByte(Version)
	buf.WriteByte(byte(KindResponse))
	name := JobAccepted{}.Name()
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)
	buf.Write([]byte{0, 0, 0, byte(len(body))})
	buf.Write(body)

	msg, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := msg.(*JobAccepted)
	if !ok {
		t.Fatalf("decoded to %T", msg)
	}
	if got.JobID != "job-42" || got.EtaSeconds != 1.5 {
		t.Errorf("got %+v", got)
	}
}

func TestDecodeWrongFamily(t *testing.T) {
	data, err := Encode(&Ping{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := DecodeResponse(data); err == nil {
		t.Error("DecodeResponse accepted a request")
	}
	if _, err := DecodeUpdate(data); err == nil {
		t.Error("DecodeUpdate accepted a request")
	}
	if _, err := DecodeRequest(data); err != nil {
		t.Errorf("DecodeRequest: %v", err)
	}
}

func TestParamsPayloadRoundTrip(t *testing.T) {
	p := GenerateParams{
		Prompt:   "16-bit knight sprite",
		Model:    "sdxl-base",
		Lora:     "pixelart",
		Width:    1024,
		Height:   1024,
		Steps:    30,
		CfgScale: 7.5,
	}
	blob, err := p.EncodePayload()
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	got, err := DecodeParams(blob)
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if got != p {
		t.Errorf("params = %+v, want %+v", got, p)
	}
}

func TestMessageSizeReasonable(t *testing.T) {
	p := GenerateParams{
		Prompt:   string(bytes.Repeat([]byte{'A'}, 500)),
		Model:    "sdxl-base",
		Lora:     "pixelart",
		Width:    1024,
		Height:   1024,
		Steps:    30,
		CfgScale: 7.5,
	}
	blob, err := p.EncodePayload()
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	data, err := Encode(&Generate{ID: "job-001", Payload: blob, Priority: domain.PriorityNormal})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(data) >= 1024 {
		t.Errorf("message too large: %d bytes", len(data))
	}
}
