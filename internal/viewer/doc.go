// Package viewer implements the camera dashboard's live-view side: one peer
// session per visible camera negotiating a recvonly WebRTC media stream over
// the shared signaling channel, and a paged grid that mounts and unmounts
// sessions as cameras enter and leave view.
//
// Each session is a single-goroutine state machine fed by a buffered inbox;
// nothing outside the loop touches session state. A session that fails retries
// with a fixed delay up to a bounded attempt count, then parks until manually
// reconnected.
package viewer
