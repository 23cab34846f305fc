package dataflow

import "context"

// PacketRecorder receives the transport-layer events that the provenance
// trace persists. Implementations must be safe for concurrent use and must
// not call back into the locked state of the port that reports the event.
type PacketRecorder interface {
	// RecordPacketCreated assigns the packet its durable identity.
	RecordPacketCreated(ctx context.Context, packet Packet, stepID *int64) error

	// RecordPacketSent records write event number eventNumber on outflow.
	RecordPacketSent(ctx context.Context, outflow *Outflow, packet Packet, stepID *int64, eventNumber int64) error

	// RecordPacketReceived records read event number eventNumber on inflow.
	RecordPacketReceived(ctx context.Context, inflow *Inflow, packet Packet, eventNumber int64) error
}

// nopRecorder discards all events.
type nopRecorder struct{}

func (nopRecorder) RecordPacketCreated(context.Context, Packet, *int64) error { return nil }

func (nopRecorder) RecordPacketSent(context.Context, *Outflow, Packet, *int64, int64) error {
	return nil
}

func (nopRecorder) RecordPacketReceived(context.Context, *Inflow, Packet, int64) error { return nil }
