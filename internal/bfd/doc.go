// Package bfd implements the core BFD protocol (RFC 5880).
//
// This includes the FSM (Section 6.8), session management, the packet
// codec, discriminator allocation, the echo function, and SLA telemetry.
// The package reserves A=0 only: authentication is not negotiated, so
// the codec never builds or parses an authentication section.
package bfd
