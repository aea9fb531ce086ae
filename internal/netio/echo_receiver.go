package netio

import (
	"context"
	"fmt"
	"log/slog"
)

// ErrNoEchoListeners indicates that EchoReceiver.Run was called without
// any listeners.
var ErrNoEchoListeners = fmt.Errorf("echo receiver run: %w", ErrNoListeners)

// EchoDemuxer routes a returned echo packet back to its originating
// session. This interface decouples the echo receiver from bfd.Manager,
// matching the decoupling Demuxer gives the control-packet Receiver.
type EchoDemuxer interface {
	// DemuxEcho decodes the local discriminator and sequence number the
	// session itself encoded (internal/bfd's encodeEchoPayload/sendEcho)
	// and delivers the packet to that session.
	DemuxEcho(buf []byte) error
}

// EchoReceiver reads returned BFD echo packets from one or more Listeners
// and routes them to the owning session via an EchoDemuxer.
//
// Unlike Receiver, EchoReceiver does not unmarshal a BFD Control header:
// the echo function here loops a minimal self-originated payload (local
// discriminator + sequence number) through the peer's forwarding plane,
// so the raw bytes go straight to the demuxer for decoding.
type EchoReceiver struct {
	demuxer EchoDemuxer
	logger  *slog.Logger
}

// NewEchoReceiver creates an EchoReceiver that routes echo packets to the
// given EchoDemuxer.
func NewEchoReceiver(demuxer EchoDemuxer, logger *slog.Logger) *EchoReceiver {
	return &EchoReceiver{
		demuxer: demuxer,
		logger:  logger.With(slog.String("component", "netio.echo_receiver")),
	}
}

// Run reads from all echo listeners concurrently until ctx is cancelled.
// Each listener gets its own goroutine. Run blocks until all listener
// goroutines complete.
func (r *EchoReceiver) Run(ctx context.Context, listeners ...*Listener) error {
	if len(listeners) == 0 {
		return ErrNoEchoListeners
	}

	done := make(chan struct{}, len(listeners))

	for _, ln := range listeners {
		go func(l *Listener) {
			r.recvLoop(ctx, l)
			done <- struct{}{}
		}(ln)
	}

	for range listeners {
		<-done
	}

	return nil
}

// recvLoop reads echo packets from a single Listener until ctx is cancelled.
// Errors from individual reads are logged but do not stop the loop; only
// context cancellation terminates it.
func (r *EchoReceiver) recvLoop(ctx context.Context, ln *Listener) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := r.recvOne(ctx, ln); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("echo recv error", slog.String("error", err.Error()))
		}
	}
}

// recvOne performs a single receive-demux cycle for a returned echo packet.
func (r *EchoReceiver) recvOne(ctx context.Context, ln *Listener) error {
	raw, _, err := ln.Recv(ctx)
	if err != nil {
		return fmt.Errorf("echo recv: %w", err)
	}

	if err := r.demuxer.DemuxEcho(raw); err != nil {
		r.logger.Debug("echo demux failed", slog.String("error", err.Error()))
	}

	return nil
}
