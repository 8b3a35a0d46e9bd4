package services

import (
	"spriteforge.dev/internal/core/ports"
	"spriteforge.dev/internal/protocol"
)

// FanoutPublisher delivers each update to every sink in order: typically the
// broadcast socket, the diagnostics websocket hub and the metrics recorder.
type FanoutPublisher []ports.UpdatePublisher

func (f FanoutPublisher) Publish(u protocol.Update) {
	for _, p := range f {
		p.Publish(u)
	}
}

// NopPublisher drops every update; handy default and test double.
type NopPublisher struct{}

func (NopPublisher) Publish(protocol.Update) {}
