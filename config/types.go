package config

// Log controls structured logging output.
type Log struct {
	Level      string `toml:"Level"`
	File       string `toml:"File,omitempty"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// RPC configures the HTTP gateway. An empty JWTSecret disables bearer
// authentication on the invoke route.
type RPC struct {
	JWTSecret         string  `toml:"JWTSecret,omitempty"`
	JWTIssuer         string  `toml:"JWTIssuer,omitempty"`
	JWTAudience       string  `toml:"JWTAudience,omitempty"`
	RateLimitPerSec   float64 `toml:"RateLimitPerSec"`
	RateLimitBurst    int     `toml:"RateLimitBurst"`
	ReadHeaderTimeout int     `toml:"ReadHeaderTimeout"`
	WriteTimeout      int     `toml:"WriteTimeout"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint,omitempty"`
	Insecure bool   `toml:"Insecure"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
	Headers  string `toml:"Headers,omitempty"`
}

// Indexer configures the SQL event index. An empty Driver disables it.
type Indexer struct {
	Driver string `toml:"Driver,omitempty"`
	DSN    string `toml:"DSN,omitempty"`
}
