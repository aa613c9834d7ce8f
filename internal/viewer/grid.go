package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/camdash/camdash/internal/backend"
	"github.com/camdash/camdash/internal/metrics"
	"github.com/camdash/camdash/internal/signaling"
	"github.com/camdash/camdash/internal/stats"
)

const defaultPageSize = 5

// ErrUnknownCamera is returned for operations addressing a camera that is not
// mounted on the current page.
var ErrUnknownCamera = errors.New("viewer: camera not mounted")

// BackendClient is the subset of the backend API the grid consumes.
type BackendClient interface {
	FetchConfig(ctx context.Context) (backend.Config, error)
	FetchCameras(ctx context.Context) ([]backend.Camera, error)
}

// GridConfig wires a grid's collaborators. Backend and NewPeer are required.
type GridConfig struct {
	Backend BackendClient
	NewPeer PeerFactory

	// SignalingURL overrides the address from backend config when non-empty.
	SignalingURL string

	PageSize     int
	MaxRetries   int
	RetryDelay   time.Duration
	WriteTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Stats   *stats.Collector
}

// CameraStatus pairs a camera's reference data with its session status.
type CameraStatus struct {
	Camera  backend.Camera `json:"camera"`
	Session Status         `json:"session"`
}

// GridStatus is the dashboard snapshot of the whole grid.
type GridStatus struct {
	Page         int            `json:"page"`
	PageCount    int            `json:"pageCount"`
	TotalCameras int            `json:"totalCameras"`
	ChannelOpen  bool           `json:"channelOpen"`
	ClientID     string         `json:"clientId,omitempty"`
	Cameras      []CameraStatus `json:"cameras"`
}

// Grid owns the signaling channel and registry, and mounts exactly one
// session per camera on the active page. Changing pages tears down sessions
// leaving view and mounts fresh ones, each starting from disconnected.
type Grid struct {
	cfg      GridConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	stats    *stats.Collector
	registry *signaling.Registry
	channel  *signaling.Channel

	mu       sync.Mutex
	cameras  []backend.Camera
	page     int
	sessions map[string]*Session
	started  bool
}

func NewGrid(cfg GridConfig) *Grid {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	g := &Grid{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		stats:    cfg.Stats,
		sessions: make(map[string]*Session),
	}
	g.registry = signaling.NewRegistry(cfg.Logger, cfg.Metrics)
	g.channel = signaling.NewChannel(g.registry, cfg.Logger, cfg.Metrics, cfg.WriteTimeout)
	return g
}

// Start fetches backend config and the camera list once, dials the signaling
// channel, and mounts the first page. A signaling dial failure is non-fatal:
// cameras stay in their pre-connect state until a later Redial.
func (g *Grid) Start(ctx context.Context) error {
	signalingURL := g.cfg.SignalingURL
	if signalingURL == "" {
		cfg, err := g.cfg.Backend.FetchConfig(ctx)
		if err != nil {
			return fmt.Errorf("fetch backend config: %w", err)
		}
		signalingURL = cfg.SignalingServerURL
	}

	cameras, err := g.cfg.Backend.FetchCameras(ctx)
	if err != nil {
		return fmt.Errorf("fetch cameras: %w", err)
	}

	g.mu.Lock()
	g.cameras = cameras
	g.cfg.SignalingURL = signalingURL
	g.started = true
	g.mu.Unlock()

	g.log.Info("grid starting", "cameras", len(cameras), "signaling_url", signalingURL)

	if err := g.channel.Connect(ctx, signalingURL); err != nil {
		g.log.Warn("signaling unavailable, cameras stay disconnected", "err", err)
	}

	return g.SetPage(0)
}

// Redial re-opens the signaling channel after a close. The grid never redials
// on its own; this is invoked by the dashboard's reconnect surface.
func (g *Grid) Redial(ctx context.Context) error {
	g.mu.Lock()
	url := g.cfg.SignalingURL
	g.mu.Unlock()
	if url == "" {
		return errors.New("viewer: no signaling address known")
	}
	return g.channel.Connect(ctx, url)
}

// PageCount reports the number of pages for the loaded camera list.
func (g *Grid) PageCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pageCountLocked()
}

func (g *Grid) pageCountLocked() int {
	if len(g.cameras) == 0 {
		return 1
	}
	return (len(g.cameras) + g.cfg.PageSize - 1) / g.cfg.PageSize
}

// SetPage makes page n (0-based) the visible page: sessions for cameras
// leaving view are closed, sessions for cameras entering view are mounted
// fresh.
func (g *Grid) SetPage(n int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return errors.New("viewer: grid not started")
	}
	if n < 0 || n >= g.pageCountLocked() {
		return fmt.Errorf("viewer: page %d out of range [0,%d)", n, g.pageCountLocked())
	}
	g.page = n

	visible := make(map[string]backend.Camera)
	for _, cam := range g.visibleLocked() {
		visible[cam.ID] = cam
	}

	for id, sess := range g.sessions {
		if _, keep := visible[id]; keep {
			continue
		}
		delete(g.sessions, id)
		sess.Close()
		g.stats.Remove(id)
		g.log.Debug("session unmounted", "camera_id", id)
	}

	for id, cam := range visible {
		if _, mounted := g.sessions[id]; mounted {
			continue
		}
		sess := NewSession(SessionConfig{
			CameraID:   cam.ID,
			Registry:   g.registry,
			Sender:     g.channel,
			NewPeer:    g.cfg.NewPeer,
			MaxRetries: g.cfg.MaxRetries,
			RetryDelay: g.cfg.RetryDelay,
			Logger:     g.log,
			Metrics:    g.metrics,
		})
		g.sessions[id] = sess
		sess.Start()
		g.log.Debug("session mounted", "camera_id", id)
	}
	return nil
}

func (g *Grid) visibleLocked() []backend.Camera {
	start := g.page * g.cfg.PageSize
	if start >= len(g.cameras) {
		return nil
	}
	end := start + g.cfg.PageSize
	if end > len(g.cameras) {
		end = len(g.cameras)
	}
	return g.cameras[start:end]
}

// Reconnect forces a fresh connection attempt for one visible camera,
// resetting its retry budget.
func (g *Grid) Reconnect(cameraID string) error {
	g.mu.Lock()
	sess, ok := g.sessions[cameraID]
	g.mu.Unlock()
	if !ok {
		return ErrUnknownCamera
	}
	sess.Reconnect()
	return nil
}

// Status reports the grid snapshot for the dashboard API. Cameras appear in
// camera-list order.
func (g *Grid) Status() GridStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := GridStatus{
		Page:         g.page,
		PageCount:    g.pageCountLocked(),
		TotalCameras: len(g.cameras),
		ChannelOpen:  g.channel.Open(),
		ClientID:     g.registry.ClientID(),
	}
	for _, cam := range g.visibleLocked() {
		cs := CameraStatus{Camera: cam}
		if sess, ok := g.sessions[cam.ID]; ok {
			cs.Session = sess.Status()
		}
		st.Cameras = append(st.Cameras, cs)
	}
	return st
}

// Close tears down every mounted session and the signaling channel.
func (g *Grid) Close() {
	g.mu.Lock()
	sessions := g.sessions
	g.sessions = make(map[string]*Session)
	g.mu.Unlock()

	for id, sess := range sessions {
		sess.Close()
		g.stats.Remove(id)
	}
	_ = g.channel.Close()
}
