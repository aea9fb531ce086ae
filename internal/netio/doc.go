// Package netio provides raw socket abstractions for BFD packet I/O.
//
// Linux-specific implementation uses golang.org/x/sys/unix raw socket options
// and ancillary control messages (IP_PKTINFO, IP_RECVTTL) for UDP listeners
// on ports 3784 (single-hop, RFC 5881), 4784 (multi-hop, RFC 5883), and
// 3785 (echo, RFC 5880 Section 6.4).
package netio
