// Package config provides configuration loading for the daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the daemon.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string
	MDNSDomain     string

	// Workspace settings
	WorkspaceDir string
	StoreDir     string // <WorkspaceDir>/.codeck

	// AgentConfigDir mirrors the headless agent binary's own config
	// directory (e.g. ~/.claude) so credentials and onboarding markers
	// survive the daemon managing the same account the binary would if run
	// interactively.
	AgentConfigDir string

	// ConversationsRoot is where the agent binary writes its own per-project
	// transcript JSONL files, used to discover a freshly spawned session's
	// conversation id.
	ConversationsRoot string

	// Session settings
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	SessionMaxCount        int
	TicketTTL              time.Duration

	// Auth settings
	MaxLoginFailures  int
	LockoutWindow     time.Duration
	LockoutDuration   time.Duration
	LastSeenDebounce  time.Duration
	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthRedirectURL  string
	RefreshInterval   time.Duration
	RefreshMargin     time.Duration
	PKCETimeout       time.Duration

	// CredStore settings
	EncryptionKeyOverride string
	CredWatchDebounce     time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSRateLimitPerMin int
	PingInterval      time.Duration
	HeartbeatInterval time.Duration

	// PTY settings
	DefaultShell         string
	DefaultRows          int
	DefaultCols          int
	MaxSessions          int
	PTYOrphanGracePeriod time.Duration
	PTYOutputBufferSize  int
	PTYMaxInputBytes     int
	AgentBinary          string

	// AgentScheduler settings
	MaxAgents           int
	MaxLogBytes         int64
	MaxExecutionHistory int
	SIGKILLGrace        time.Duration

	// Memory/Indexer settings
	MaxTranscriptBytes int64
	FlushCooldown      time.Duration
	WatcherQuietPeriod time.Duration
	EmbeddingAPIKey    string
	EmbeddingBaseURL   string
	EmbeddingModel     string
	EmbeddingBatchSize int
	EmbeddingInterval  time.Duration
	IndexOptimizeEvery int // optimize() runs after this many newly-indexed chunks

	// Gateway-proxy mode: when set, this daemon is fronted by a separate
	// gateway process and accepts the shared secret on _internal instead of
	// requiring a session/ticket.
	InternalSharedSecret string
	TrustedProxyHeaders  bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	workspaceDir := getEnv("WORKSPACE_DIR", "")
	if workspaceDir == "" {
		var err error
		workspaceDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve default workspace dir: %w", err)
		}
	}
	storeDir := filepath.Join(workspaceDir, ".codeck")

	cfg := &Config{
		Port:           getEnvInt("CODECK_PORT", 8080),
		Host:           getEnv("CODECK_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),
		MDNSDomain:     getEnv("MDNS_DOMAIN", ""),

		WorkspaceDir: workspaceDir,
		StoreDir:     storeDir,

		AgentConfigDir:    getEnv("AGENT_CONFIG_DIR", defaultAgentConfigDir()),
		ConversationsRoot: getEnv("CONVERSATIONS_ROOT", defaultConversationsRoot()),

		SessionTTL:             getEnvDuration("SESSION_TTL", 7*24*time.Hour),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Minute),
		SessionMaxCount:        getEnvInt("SESSION_MAX_COUNT", 100),
		TicketTTL:              getEnvDuration("TICKET_TTL", 30*time.Second),

		MaxLoginFailures:  getEnvInt("MAX_LOGIN_FAILURES", 5),
		LockoutWindow:     getEnvDuration("LOCKOUT_WINDOW", 15*time.Minute),
		LockoutDuration:   getEnvDuration("LOCKOUT_DURATION", 15*time.Minute),
		LastSeenDebounce:  getEnvDuration("LAST_SEEN_DEBOUNCE", 60*time.Second),
		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
		OAuthAuthURL:      getEnv("OAUTH_AUTH_URL", ""),
		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", ""),
		OAuthRedirectURL:  getEnv("OAUTH_REDIRECT_URL", ""),
		RefreshInterval:   getEnvDuration("OAUTH_REFRESH_INTERVAL", 5*time.Minute),
		RefreshMargin:     getEnvDuration("OAUTH_REFRESH_MARGIN", 30*time.Minute),
		PKCETimeout:       getEnvDuration("OAUTH_PKCE_TIMEOUT", 5*time.Minute),

		EncryptionKeyOverride: getEnv("CODECK_ENCRYPTION_KEY", ""),
		CredWatchDebounce:     getEnvDuration("CRED_WATCH_DEBOUNCE", 500*time.Millisecond),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),
		WSRateLimitPerMin: getEnvInt("WS_RATE_LIMIT_PER_MIN", 300),
		PingInterval:      getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		HeartbeatInterval: getEnvDuration("WS_HEARTBEAT_INTERVAL", 25*time.Second),

		DefaultShell:         getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultRows:          getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:          getEnvInt("DEFAULT_COLS", 80),
		MaxSessions:          getEnvInt("MAX_SESSIONS", 5),
		PTYOrphanGracePeriod: getEnvDuration("PTY_ORPHAN_GRACE_PERIOD", 2*time.Minute),
		PTYOutputBufferSize:  getEnvInt("PTY_OUTPUT_BUFFER_SIZE", 1<<20), // 1 MiB
		PTYMaxInputBytes:     getEnvInt("PTY_MAX_INPUT_BYTES", 64*1024),
		AgentBinary:          getEnv("AGENT_BINARY", "agent"),

		MaxAgents:           getEnvInt("MAX_AGENTS", 10),
		MaxLogBytes:         int64(getEnvInt("MAX_LOG_BYTES", 50*1024*1024)),
		MaxExecutionHistory: getEnvInt("MAX_EXECUTION_HISTORY", 100),
		SIGKILLGrace:        clampDuration(getEnvDuration("SIGKILL_GRACE", 10*time.Second), 5*time.Second, 60*time.Second),

		MaxTranscriptBytes: int64(getEnvInt("MAX_TRANSCRIPT_BYTES", 50*1024*1024)),
		FlushCooldown:      getEnvDuration("FLUSH_COOLDOWN", 30*time.Second),
		WatcherQuietPeriod: getEnvDuration("WATCHER_QUIET_PERIOD", 2*time.Second),
		EmbeddingAPIKey:    getEnv("EMBEDDING_API_KEY", ""),
		EmbeddingBaseURL:   getEnv("EMBEDDING_BASE_URL", ""),
		EmbeddingModel:     getEnv("EMBEDDING_MODEL", ""),
		EmbeddingBatchSize: getEnvInt("EMBEDDING_BATCH_SIZE", 50),
		EmbeddingInterval:  getEnvDuration("EMBEDDING_INTERVAL", 100*time.Millisecond),
		IndexOptimizeEvery: getEnvInt("INDEX_OPTIMIZE_EVERY", 200),

		InternalSharedSecret: getEnv("INTERNAL_SHARED_SECRET", ""),
		TrustedProxyHeaders:  getEnvBool("TRUST_PROXY_HEADERS", false),
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = deriveAllowedOrigins(cfg.Host, cfg.Port, cfg.MDNSDomain)
	}

	if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace store dir: %w", err)
	}

	return cfg, nil
}

// defaultAgentConfigDir mirrors the upstream agent binary's own config home,
// falling back to an empty string (no mirroring) if the user's home
// directory can't be resolved.
func defaultAgentConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude")
}

// defaultConversationsRoot mirrors the upstream agent binary's own
// per-project transcript layout under its config home.
func defaultConversationsRoot() string {
	dir := defaultAgentConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "projects")
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// deriveAllowedOrigins builds the default allowed-origin set: localhost at
// the configured port plus a wildcard for the mDNS domain, if any.
func deriveAllowedOrigins(host string, port int, mdnsDomain string) []string {
	origins := []string{
		fmt.Sprintf("http://localhost:%d", port),
		fmt.Sprintf("https://localhost:%d", port),
	}
	if mdnsDomain != "" {
		origins = append(origins, "https://*."+mdnsDomain, "http://*."+mdnsDomain)
	}
	return origins
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
