package viewer

import (
	"errors"
	"io"
	"log/slog"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/camdash/camdash/internal/stats"
)

// drainTrack reads RTP from a remote track until the track ends, feeding the
// per-camera stream stats. There is no renderer in a headless dashboard; the
// stream health counters are the product.
func drainTrack(track *webrtc.TrackRemote, cameraID string, collector *stats.Collector, logger *slog.Logger) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("track read ended", "camera_id", cameraID, "err", err)
			}
			return
		}
		recordPacket(collector, cameraID, pkt)
	}
}

func recordPacket(collector *stats.Collector, cameraID string, pkt *rtp.Packet) {
	if collector == nil || pkt == nil {
		return
	}
	collector.Record(cameraID, len(pkt.Payload), pkt.Marker)
}
