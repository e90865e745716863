// Package bridge carries signals from the origin domain to the reactive
// domain and instructions back, over durable streams. Delivery is
// at-least-once; consumers checkpoint the last handled entry and the
// dispatcher drops duplicates.
package bridge

import (
	"fmt"

	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

// Default stream and channel names.
const (
	SignalStream      = "loopvault:signals"
	InstructionStream = "loopvault:instructions"
	EventChannel      = "loopvault:events"
)

// EncodeEvent serializes a signal for the wire.
func EncodeEvent(ev domain.Event) ([]byte, error) {
	b, err := sonnet.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s: %w", ev.Kind, err)
	}
	return b, nil
}

// DecodeEvent parses a signal payload.
func DecodeEvent(b []byte) (domain.Event, error) {
	var ev domain.Event
	if err := sonnet.Unmarshal(b, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("bridge: decode event: %w", err)
	}
	if ev.Kind == "" || ev.User == "" {
		return domain.Event{}, fmt.Errorf("bridge: decode event: missing kind or user")
	}
	return ev, nil
}

// EncodeInstruction serializes an instruction for the wire.
func EncodeInstruction(in domain.Instruction) ([]byte, error) {
	b, err := sonnet.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s: %w", in.Kind, err)
	}
	return b, nil
}

// DecodeInstruction parses an instruction payload.
func DecodeInstruction(b []byte) (domain.Instruction, error) {
	var in domain.Instruction
	if err := sonnet.Unmarshal(b, &in); err != nil {
		return domain.Instruction{}, fmt.Errorf("bridge: decode instruction: %w", err)
	}
	if in.Kind == "" || in.User == "" {
		return domain.Instruction{}, fmt.Errorf("bridge: decode instruction: missing kind or user")
	}
	return in, nil
}
