package config

import (
	"testing"
	"time"
)

func TestLoadDerivesStoreDirUnderWorkspace(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WORKSPACE_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	want := dir + "/.codeck"
	if cfg.StoreDir != want {
		t.Fatalf("StoreDir=%q, want %q", cfg.StoreDir, want)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WORKSPACE_DIR", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.MaxSessions != 5 {
		t.Fatalf("MaxSessions=%d, want 5", cfg.MaxSessions)
	}
	if cfg.MaxAgents != 10 {
		t.Fatalf("MaxAgents=%d, want 10", cfg.MaxAgents)
	}
	if cfg.SessionTTL != 7*24*time.Hour {
		t.Fatalf("SessionTTL=%v, want 7 days", cfg.SessionTTL)
	}
	if cfg.MaxLoginFailures != 5 {
		t.Fatalf("MaxLoginFailures=%d, want 5", cfg.MaxLoginFailures)
	}
	if cfg.PTYOutputBufferSize != 1<<20 {
		t.Fatalf("PTYOutputBufferSize=%d, want 1 MiB", cfg.PTYOutputBufferSize)
	}
}

func TestSIGKILLGraceClamped(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WORKSPACE_DIR", dir)
	t.Setenv("SIGKILL_GRACE", "1s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SIGKILLGrace != 5*time.Second {
		t.Fatalf("SIGKILLGrace=%v, want clamped to 5s", cfg.SIGKILLGrace)
	}

	t.Setenv("SIGKILL_GRACE", "5m")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SIGKILLGrace != 60*time.Second {
		t.Fatalf("SIGKILLGrace=%v, want clamped to 60s", cfg.SIGKILLGrace)
	}
}

func TestLoadDerivesAgentConfigDirUnderHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WORKSPACE_DIR", dir)
	t.Setenv("AGENT_CONFIG_DIR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.AgentConfigDir == "" {
		t.Fatal("expected a non-empty default AgentConfigDir")
	}
	if cfg.ConversationsRoot == "" {
		t.Fatal("expected a non-empty default ConversationsRoot")
	}
}

func TestLoadHonorsAgentConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WORKSPACE_DIR", dir)
	t.Setenv("AGENT_CONFIG_DIR", "/custom/agent-home")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.AgentConfigDir != "/custom/agent-home" {
		t.Fatalf("AgentConfigDir=%q, want override", cfg.AgentConfigDir)
	}
}

func TestLoadEmbeddingDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WORKSPACE_DIR", dir)
	t.Setenv("EMBEDDING_BASE_URL", "")
	t.Setenv("EMBEDDING_MODEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.EmbeddingBaseURL != "" {
		t.Fatalf("EmbeddingBaseURL=%q, want empty default", cfg.EmbeddingBaseURL)
	}
	if cfg.EmbeddingBatchSize != 50 {
		t.Fatalf("EmbeddingBatchSize=%d, want 50", cfg.EmbeddingBatchSize)
	}
	if cfg.EmbeddingInterval != 100*time.Millisecond {
		t.Fatalf("EmbeddingInterval=%v, want 100ms", cfg.EmbeddingInterval)
	}
}

func TestLoadHonorsEmbeddingOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WORKSPACE_DIR", dir)
	t.Setenv("EMBEDDING_BASE_URL", "https://embeddings.example.com/v1")
	t.Setenv("EMBEDDING_MODEL", "custom-model")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.EmbeddingBaseURL != "https://embeddings.example.com/v1" {
		t.Fatalf("EmbeddingBaseURL=%q, want override", cfg.EmbeddingBaseURL)
	}
	if cfg.EmbeddingModel != "custom-model" {
		t.Fatalf("EmbeddingModel=%q, want override", cfg.EmbeddingModel)
	}
}

func TestDeriveAllowedOriginsIncludesMDNSWildcard(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WORKSPACE_DIR", dir)
	t.Setenv("MDNS_DOMAIN", "codeck.local")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	found := false
	for _, o := range cfg.AllowedOrigins {
		if o == "https://*.codeck.local" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected mDNS wildcard origin in %v", cfg.AllowedOrigins)
	}
}

func TestGetEnvStringSliceTrimsAndFiltersEmpty(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", " https://a.example.com ,,https://b.example.com")
	got := getEnvStringSlice("ALLOWED_ORIGINS", nil)
	want := []string{"https://a.example.com", "https://b.example.com"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
