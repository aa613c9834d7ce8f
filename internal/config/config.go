// Package config loads the camdash configuration from environment variables
// and flags. Env vars provide defaults; flags override.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "CAMDASH_LISTEN_ADDR"
	envVarBackendURL      = "CAMDASH_BACKEND_URL"
	envVarSignalingURL    = "CAMDASH_SIGNALING_URL"
	envVarMode            = "CAMDASH_MODE"
	envVarLogFormat       = "CAMDASH_LOG_FORMAT"
	envVarLogLevel        = "CAMDASH_LOG_LEVEL"
	envVarShutdownTimeout = "CAMDASH_SHUTDOWN_TIMEOUT"

	// Grid / session knobs.
	envVarCamerasPerPage    = "CAMDASH_CAMERAS_PER_PAGE"
	envVarSessionMaxRetries = "CAMDASH_SESSION_MAX_RETRIES"
	envVarSessionRetryDelay = "CAMDASH_SESSION_RETRY_DELAY"
	envVarWSWriteTimeout    = "CAMDASH_WS_WRITE_TIMEOUT"

	// Task store. Empty Redis address means in-memory.
	envVarRedisAddr     = "CAMDASH_REDIS_ADDR"
	envVarRedisPassword = "CAMDASH_REDIS_PASSWORD"
	envVarRedisDB       = "CAMDASH_REDIS_DB"

	DefaultListenAddr             = "127.0.0.1:8080"
	DefaultShutdown               = 15 * time.Second
	DefaultCamerasPerPage         = 5
	DefaultSessionMaxRetries      = 3
	DefaultSessionRetryDelay      = 5 * time.Second
	DefaultWSWriteTimeout         = 5 * time.Second
	DefaultMode              Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr string

	// BackendURL is the camera backend base URL (http/https). Required.
	BackendURL string

	// SignalingURL overrides the signaling address served by the backend's
	// /api/config when set.
	SignalingURL string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	CamerasPerPage    int
	SessionMaxRetries int
	SessionRetryDelay time.Duration
	WSWriteTimeout    time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ICEServers []webrtc.ICEServer
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	camerasPerPage, err := envIntOrDefault(lookup, envVarCamerasPerPage, DefaultCamerasPerPage)
	if err != nil {
		return Config{}, err
	}
	sessionMaxRetries, err := envIntOrDefault(lookup, envVarSessionMaxRetries, DefaultSessionMaxRetries)
	if err != nil {
		return Config{}, err
	}
	sessionRetryDelay, err := envDurationOrDefault(lookup, envVarSessionRetryDelay, DefaultSessionRetryDelay)
	if err != nil {
		return Config{}, err
	}
	wsWriteTimeout, err := envDurationOrDefault(lookup, envVarWSWriteTimeout, DefaultWSWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("camdash", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "dashboard HTTP listen address")
	backendURL := fs.String("backend-url", envOrDefault(lookup, envVarBackendURL, ""), "camera backend base URL (required)")
	signalingURL := fs.String("signaling-url", envOrDefault(lookup, envVarSignalingURL, ""), "signaling server URL override")
	modeStr := fs.String("mode", modeDefault, "run mode: dev or prod")
	logFormatStr := fs.String("log-format", logFormatDefault, "log format: text or json")
	logLevelStr := fs.String("log-level", logLevelDefault, "log level: debug, info, warn, error")
	redisAddr := fs.String("redis-addr", envOrDefault(lookup, envVarRedisAddr, ""), "redis address for the task store (empty = in-memory)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(*backendURL) == "" {
		return Config{}, fmt.Errorf("backend URL is required (set %s or -backend-url)", envVarBackendURL)
	}
	if err := validateHTTPURL(*backendURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarBackendURL, *backendURL, err)
	}
	if *signalingURL != "" {
		if err := validateWSURL(*signalingURL); err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSignalingURL, *signalingURL, err)
		}
	}
	if camerasPerPage <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be > 0", envVarCamerasPerPage)
	}
	if sessionMaxRetries < 0 {
		return Config{}, fmt.Errorf("invalid %s: must be >= 0", envVarSessionMaxRetries)
	}
	if sessionRetryDelay <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be > 0", envVarSessionRetryDelay)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers()
	}

	return Config{
		ListenAddr:        *listenAddr,
		BackendURL:        strings.TrimRight(*backendURL, "/"),
		SignalingURL:      *signalingURL,
		Mode:              mode,
		LogFormat:         logFormat,
		LogLevel:          logLevel,
		ShutdownTimeout:   shutdownTimeout,
		CamerasPerPage:    camerasPerPage,
		SessionMaxRetries: sessionMaxRetries,
		SessionRetryDelay: sessionRetryDelay,
		WSWriteTimeout:    wsWriteTimeout,
		RedisAddr:         *redisAddr,
		RedisPassword:     envOrDefault(lookup, envVarRedisPassword, ""),
		RedisDB:           redisDB,
		ICEServers:        iceServers,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q (want dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (want text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
