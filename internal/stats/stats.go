// Package stats tracks per-camera stream health derived from received media
// packets: throughput counters, a frame-rate estimate, and an online flag.
package stats

import (
	"sync"
	"time"
)

// onlineWindow is how recently a packet must have arrived for a camera to be
// considered online.
const onlineWindow = 5 * time.Second

// fpsWindow is the sampling interval for the frame-rate estimate.
const fpsWindow = time.Second

// CameraStats is a point-in-time view of one camera's stream.
type CameraStats struct {
	CameraID   string    `json:"cameraId"`
	Packets    uint64    `json:"packets"`
	Bytes      uint64    `json:"bytes"`
	Frames     uint64    `json:"frames"`
	FPS        float64   `json:"fps"`
	LastPacket time.Time `json:"lastPacket"`
	Online     bool      `json:"online"`
}

type cameraState struct {
	packets uint64
	bytes   uint64
	frames  uint64
	last    time.Time

	windowStart  time.Time
	windowFrames uint64
	fps          float64
}

// Collector aggregates stream counters for any number of cameras. Safe for
// concurrent use; track readers write, the HTTP layer reads.
type Collector struct {
	now func() time.Time

	mu      sync.Mutex
	cameras map[string]*cameraState
}

func NewCollector() *Collector {
	return &Collector{
		now:     time.Now,
		cameras: make(map[string]*cameraState),
	}
}

// Record accounts one received packet. frameBoundary marks the last packet of
// a video frame (the RTP marker bit).
func (c *Collector) Record(cameraID string, payloadBytes int, frameBoundary bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.cameras[cameraID]
	if st == nil {
		st = &cameraState{windowStart: now}
		c.cameras[cameraID] = st
	}

	st.packets++
	st.bytes += uint64(payloadBytes)
	st.last = now
	if frameBoundary {
		st.frames++
		st.windowFrames++
	}

	if elapsed := now.Sub(st.windowStart); elapsed >= fpsWindow {
		st.fps = float64(st.windowFrames) / elapsed.Seconds()
		st.windowFrames = 0
		st.windowStart = now
	}
}

// Remove forgets a camera, typically when its session unmounts.
func (c *Collector) Remove(cameraID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cameras, cameraID)
}

// Camera returns the stats for one camera and whether it is known.
func (c *Collector) Camera(cameraID string) (CameraStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.cameras[cameraID]
	if !ok {
		return CameraStats{}, false
	}
	return c.viewLocked(cameraID, st), true
}

// Snapshot returns stats for every known camera.
func (c *Collector) Snapshot() []CameraStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CameraStats, 0, len(c.cameras))
	for id, st := range c.cameras {
		out = append(out, c.viewLocked(id, st))
	}
	return out
}

func (c *Collector) viewLocked(cameraID string, st *cameraState) CameraStats {
	return CameraStats{
		CameraID:   cameraID,
		Packets:    st.packets,
		Bytes:      st.bytes,
		Frames:     st.frames,
		FPS:        st.fps,
		LastPacket: st.last,
		Online:     c.now().Sub(st.last) <= onlineWindow,
	}
}
