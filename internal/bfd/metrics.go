package bfd

import "net/netip"

// MetricsReporter decouples the session and manager packages from any
// specific metrics backend. internal/metrics.Collector satisfies this
// interface structurally; tests use noopMetrics or a hand-rolled fake.
type MetricsReporter interface {
	IncPacketsSent(peer, local netip.Addr)
	IncPacketsReceived(peer, local netip.Addr)
	IncPacketsDropped(peer, local netip.Addr)
	RecordStateTransition(peer, local netip.Addr, from, to string)
	RegisterSession(peer, local netip.Addr, sessionType string)
	UnregisterSession(peer, local netip.Addr, sessionType string)
	SetEchoActive(peer, local netip.Addr, active bool)
	RecordSLA(peer, local netip.Addr, latencyMS, jitterMS, lossPercent float64, hasLoss bool)
}

// noopMetrics is the default MetricsReporter used when no reporter is
// supplied, so the hot path never needs a nil check.
type noopMetrics struct{}

func (noopMetrics) IncPacketsSent(netip.Addr, netip.Addr)                             {}
func (noopMetrics) IncPacketsReceived(netip.Addr, netip.Addr)                         {}
func (noopMetrics) IncPacketsDropped(netip.Addr, netip.Addr)                          {}
func (noopMetrics) RecordStateTransition(netip.Addr, netip.Addr, string, string)      {}
func (noopMetrics) RegisterSession(netip.Addr, netip.Addr, string)                    {}
func (noopMetrics) UnregisterSession(netip.Addr, netip.Addr, string)                  {}
func (noopMetrics) SetEchoActive(netip.Addr, netip.Addr, bool)                        {}
func (noopMetrics) RecordSLA(netip.Addr, netip.Addr, float64, float64, float64, bool) {}
