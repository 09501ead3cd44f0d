package config

// PoolConfig holds the query worker pool settings.
type PoolConfig struct {
	Size            int `json:"size"`            // Number of worker processes
	MemoryLimitMB   int `json:"memoryLimitMB"`   // Per-worker RSS ceiling; worker is retired when exceeded
	QueueDepth      int `json:"queueDepth"`      // Bounded job queue length
	QueryTimeoutSec int `json:"queryTimeoutSec"` // Per-query deadline enforced by the pool watchdog
}

// RateLimitConfig holds the rolling-window token limit settings.
type RateLimitConfig struct {
	TokenLimit24h    int64 `json:"tokenLimit24h"`    // Max input+output tokens per user per trailing 24h
	WarnThresholdPct int   `json:"warnThresholdPct"` // Usage percent at which warnings start (default 80)
}

// Config structure
type Config struct {
	LLMProvider   string          `json:"llmProvider"`
	APIKey        string          `json:"apiKey"`
	BaseURL       string          `json:"baseUrl"`
	ModelName     string          `json:"modelName"`
	MaxTokens     int             `json:"maxTokens"`
	ListenAddr    string          `json:"listenAddr"`
	DataCacheDir  string          `json:"dataCacheDir"`
	SessionsDir   string          `json:"sessionsDir"`
	WorkerBinPath string          `json:"workerBinPath"` // Path to the queryworker binary
	Pool          PoolConfig      `json:"pool"`
	RateLimit     RateLimitConfig `json:"rateLimit"`
	PageSize      int             `json:"pageSize"` // Default rows per execution page
	DetailedLog   bool            `json:"detailedLog"`
}

// ApplyDefaults fills zero-valued fields with working defaults.
func (c *Config) ApplyDefaults() {
	if c.LLMProvider == "" {
		c.LLMProvider = "OpenAI"
	}
	if c.ModelName == "" {
		c.ModelName = "gpt-4o"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 8192
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8870"
	}
	if c.Pool.Size <= 0 {
		c.Pool.Size = 2
	}
	if c.Pool.MemoryLimitMB <= 0 {
		c.Pool.MemoryLimitMB = 1024
	}
	if c.Pool.QueueDepth <= 0 {
		c.Pool.QueueDepth = 32
	}
	if c.Pool.QueryTimeoutSec <= 0 {
		c.Pool.QueryTimeoutSec = 120
	}
	if c.RateLimit.TokenLimit24h <= 0 {
		c.RateLimit.TokenLimit24h = 5_000_000
	}
	if c.RateLimit.WarnThresholdPct <= 0 {
		c.RateLimit.WarnThresholdPct = 80
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
}
