package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// GenerateParams is the conventional shape of the opaque Generate payload.
// The control plane never inspects it; only the client and the execution
// collaborator agree on these fields.
type GenerateParams struct {
	Prompt   string  `msgpack:"prompt"`
	Model    string  `msgpack:"model"`
	Lora     string  `msgpack:"lora,omitempty"`
	Width    int     `msgpack:"width"`
	Height   int     `msgpack:"height"`
	Steps    int     `msgpack:"steps"`
	CfgScale float64 `msgpack:"cfg_scale"`
}

// EncodePayload marshals params into the opaque payload blob.
func (p GenerateParams) EncodePayload() ([]byte, error) {
	data, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode params: %w", err)
	}
	return data, nil
}

// DecodeParams unmarshals an opaque payload blob back into params.
func DecodeParams(payload []byte) (GenerateParams, error) {
	var p GenerateParams
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		return GenerateParams{}, &DecodeError{Err: fmt.Errorf("unmarshal params: %w", err)}
	}
	return p, nil
}
