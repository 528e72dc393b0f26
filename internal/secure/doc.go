// Package secure implements authenticated, replay-protected messaging over
// CAN and CAN FD after Lin and Sangiovanni-Vincentelli, "Cyber-Security for
// the Controller Area Network (CAN) Communication Protocol" (CyberSec 2012).
//
// The 29-bit extended identifier carries priority, source and up to three
// destination addresses. Every destination gets its own truncated HMAC tag
// appended after the payload, and each receiving Node tracks the highest
// freshness counter accepted per (source, destination set) channel.
//
// A Link is not safe for concurrent use; callers sharing one must serialize
// Send and Recv themselves.
package secure
