package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"mediarelay/pkg/validation"

	"gopkg.in/yaml.v2"
)

// Codec describes one router media codec.
type Codec struct {
	Kind        string `yaml:"kind"`
	MimeType    string `yaml:"mime_type"`
	ClockRate   uint32 `yaml:"clock_rate"`
	Channels    uint16 `yaml:"channels"`
	SDPFmtpLine string `yaml:"sdp_fmtp_line"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path           string        `yaml:"path"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Media struct {
		Workers     int      `yaml:"workers"`
		ListenIP    string   `yaml:"listen_ip"`
		AnnouncedIP string   `yaml:"announced_ip"`
		ICEServers  []string `yaml:"ice_servers"`
		PortRange   struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		Codecs               []Codec       `yaml:"codecs"`
		KeyFrameRequestDelay time.Duration `yaml:"key_frame_request_delay"`
	} `yaml:"media"`

	Sharding struct {
		MaxParticipantsPerShard int           `yaml:"max_participants_per_shard"`
		CPUThreshold            float64       `yaml:"cpu_threshold"`
		CreateRetries           int           `yaml:"create_retries"`
		CreateInitialDelay      time.Duration `yaml:"create_initial_delay"`
		CreateMaxDelay          time.Duration `yaml:"create_max_delay"`
	} `yaml:"sharding"`

	Federation struct {
		SelfAddress     string        `yaml:"self_address"`
		RemoteServers   []string      `yaml:"remote_servers"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		MaxRetries      int           `yaml:"max_retries"`
		RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
		FailCacheTTL    time.Duration `yaml:"fail_cache_ttl"`
		SharedSecret    string        `yaml:"shared_secret"`

		// DistributedLock queues relay handshakes of instances sharing one
		// redis behind each other. Relay state stays per instance, so it
		// throttles concurrent handshakes towards a destination and nothing more.
		DistributedLock bool `yaml:"distributed_lock"`
	} `yaml:"federation"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		Mode          string        `yaml:"mode"` // none | jwt | gateway
		JWTSecret     string        `yaml:"jwt_secret"`
		APIGateway    string        `yaml:"api_gateway"`
		VerifyPath    string        `yaml:"verify_path"`
		VerifyTimeout time.Duration `yaml:"verify_timeout"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		ServiceName    string  `yaml:"service_name"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if !strings.HasPrefix(c.Signal.Path, "/") {
		return fmt.Errorf("signal.path must start with /")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}

	// Media
	if c.Media.Workers <= 0 {
		return fmt.Errorf("media.workers must be > 0")
	}
	if c.Media.PortRange.Min > 0 || c.Media.PortRange.Max > 0 {
		if c.Media.PortRange.Min == 0 || c.Media.PortRange.Max == 0 {
			return fmt.Errorf("media.port_range.min and max must both be set when one is set")
		}
		if c.Media.PortRange.Min >= c.Media.PortRange.Max {
			return fmt.Errorf("media.port_range.min must be < max")
		}
	}
	if len(c.Media.Codecs) == 0 {
		return fmt.Errorf("media.codecs must not be empty")
	}
	for i, codec := range c.Media.Codecs {
		if codec.Kind != "audio" && codec.Kind != "video" {
			return fmt.Errorf("media.codecs[%d].kind must be audio or video", i)
		}
		if codec.MimeType == "" || codec.ClockRate == 0 {
			return fmt.Errorf("media.codecs[%d] requires mime_type and clock_rate", i)
		}
	}

	// Sharding
	if c.Sharding.MaxParticipantsPerShard <= 0 {
		return fmt.Errorf("sharding.max_participants_per_shard must be > 0")
	}
	if c.Sharding.CPUThreshold <= 0 || c.Sharding.CPUThreshold > 100 {
		return fmt.Errorf("sharding.cpu_threshold must be in (0, 100]")
	}
	if c.Sharding.CreateRetries < 0 {
		return fmt.Errorf("sharding.create_retries must be >= 0")
	}
	if c.Sharding.CreateInitialDelay <= 0 || c.Sharding.CreateMaxDelay < c.Sharding.CreateInitialDelay {
		return fmt.Errorf("sharding.create_initial_delay must be > 0 and <= create_max_delay")
	}

	// Federation
	if len(c.Federation.RemoteServers) > 0 && c.Federation.SelfAddress == "" {
		return fmt.Errorf("federation.self_address must be set when remote_servers are configured")
	}
	if c.Federation.SelfAddress != "" {
		if err := validation.ValidateServerURL(c.Federation.SelfAddress); err != nil {
			return fmt.Errorf("federation.self_address: %w", err)
		}
	}
	for i, server := range c.Federation.RemoteServers {
		if err := validation.ValidateServerURL(server); err != nil {
			return fmt.Errorf("federation.remote_servers[%d]: %w", i, err)
		}
	}
	if c.Federation.RequestTimeout <= 0 {
		return fmt.Errorf("federation.request_timeout must be > 0")
	}
	if c.Federation.MaxRetries < 0 {
		return fmt.Errorf("federation.max_retries must be >= 0")
	}
	if c.Federation.FailCacheTTL <= 0 {
		return fmt.Errorf("federation.fail_cache_ttl must be > 0")
	}
	if c.Federation.DistributedLock && !c.Redis.Enabled {
		return fmt.Errorf("federation.distributed_lock requires redis.enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	switch c.Auth.Mode {
	case "none":
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.mode=jwt")
		}
	case "gateway":
		if c.Auth.APIGateway == "" {
			return fmt.Errorf("auth.api_gateway must not be empty when auth.mode=gateway")
		}
		if c.Auth.VerifyTimeout <= 0 {
			return fmt.Errorf("auth.verify_timeout must be > 0")
		}
	default:
		return fmt.Errorf("auth.mode must be one of none, jwt, gateway")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":5000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/webcam/"
	cfg.Signal.PingInterval = 25 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Media.Workers = runtime.NumCPU() - 1
	if cfg.Media.Workers < 1 {
		cfg.Media.Workers = 1
	}
	cfg.Media.ListenIP = "0.0.0.0"
	cfg.Media.AnnouncedIP = "127.0.0.1"
	cfg.Media.ICEServers = []string{"stun:stun.l.google.com:19302"}
	cfg.Media.PortRange.Min = 30000
	cfg.Media.PortRange.Max = 60000
	cfg.Media.Codecs = []Codec{
		{Kind: "audio", MimeType: "audio/opus", ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1;stereo=1"},
		{Kind: "video", MimeType: "video/VP8", ClockRate: 90000, SDPFmtpLine: "x-google-start-bitrate=200;x-google-max-bitrate=1000"},
	}
	cfg.Media.KeyFrameRequestDelay = time.Second

	cfg.Sharding.MaxParticipantsPerShard = 400
	cfg.Sharding.CPUThreshold = 75
	cfg.Sharding.CreateRetries = 3
	cfg.Sharding.CreateInitialDelay = time.Second
	cfg.Sharding.CreateMaxDelay = 5 * time.Second

	cfg.Federation.RequestTimeout = 5 * time.Second
	cfg.Federation.MaxRetries = 3
	cfg.Federation.RetryBaseDelay = 100 * time.Millisecond
	cfg.Federation.FailCacheTTL = 60 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.Mode = "none"
	cfg.Auth.VerifyPath = "/identity/api/v1/Token/Verify"
	cfg.Auth.VerifyTimeout = 5 * time.Second

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "mediarelay"
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MEDIARELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	} else if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Address = ":" + port
	}
	if level := os.Getenv("MEDIARELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("MEDIARELAY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if gw := os.Getenv("API_GETWAY"); gw != "" {
		c.Auth.APIGateway = gw
	}
	if ip := os.Getenv("MEDIARELAY_ANNOUNCED_IP"); ip != "" {
		c.Media.AnnouncedIP = ip
	}
	if self := os.Getenv("MEDIARELAY_SELF_ADDRESS"); self != "" {
		c.Federation.SelfAddress = self
	}
	if servers := os.Getenv("MEDIARELAY_REMOTE_SERVERS"); servers != "" {
		c.Federation.RemoteServers = splitList(servers)
	}
	if v := os.Getenv("MAX_USERS_PER_SUB_ROOM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sharding.MaxParticipantsPerShard = n
		}
	}
	if v := os.Getenv("CPU_THRESHOLD_PER_SUB_ROOM"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			c.Sharding.CPUThreshold = n
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
