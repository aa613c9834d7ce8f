// Package signaling implements the client side of the camera signaling
// protocol: a single persistent WebSocket channel shared by every mounted
// camera session, plus the registry that routes inbound messages to the
// session owning each camera.
//
// The channel never reconnects on its own; reconnection is the grid's
// responsibility when it remounts. Messages addressed to a camera with no
// registered session are dropped, which is expected transiently while the
// grid paginates.
package signaling
