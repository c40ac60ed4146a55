package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cryptostream/exchange"
	"cryptostream/stream"
)

// Exchanges with an adapter.
var KnownExchanges = []string{"binance", "bybit", "kucoin", "okx"}

type Config struct {
	Cryptostream ServiceConfig             `yaml:"cryptostream"`
	Logging      LoggingConfig             `yaml:"logging"`
	CloudWatch   CloudWatchConfig          `yaml:"cloudwatch"`
	Report       ReportConfig              `yaml:"report"`
	Stream       StreamConfig              `yaml:"stream"`
	HTTP         HTTPConfig                `yaml:"http"`
	Exchanges    map[string]ExchangeConfig `yaml:"exchanges"`
	Recorder     RecorderConfig            `yaml:"recorder"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type ReportConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// StreamConfig holds the connection tuning shared by every exchange.
type StreamConfig struct {
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Auth      AuthConfig      `yaml:"auth"`
	Book      BookConfig      `yaml:"book"`
	Write     WriteConfig     `yaml:"write"`
}

type ReconnectConfig struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter *bool         `yaml:"jitter"`
}

type KeepaliveConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type BookConfig struct {
	Buffer     int `yaml:"buffer"`
	MaxResyncs int `yaml:"max_resyncs"`
}

type WriteConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MessagesPerSecond float64       `yaml:"messages_per_second"`
	Burst             int           `yaml:"burst"`
	ReadBuffer        int           `yaml:"read_buffer"`
}

type HTTPConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type ExchangeConfig struct {
	Enabled     bool          `yaml:"enabled"`
	PublicURL   string        `yaml:"public_url"`
	PrivateURL  string        `yaml:"private_url"`
	RESTURL     string        `yaml:"rest_url"`
	LocalIP     string        `yaml:"local_ip"`
	LoadMarkets bool          `yaml:"load_markets"`
	BookDepth   int           `yaml:"book_depth"`
	Watches     []WatchConfig `yaml:"watches"`
	APIKey      string        `yaml:"api_key"`
	APISecret   string        `yaml:"api_secret"`
	Passphrase  string        `yaml:"passphrase"`
}

// WatchConfig subscribes one channel for a list of symbols. Account
// channels may leave Symbols empty to watch every symbol.
type WatchConfig struct {
	Channel   string   `yaml:"channel"`
	Symbols   []string `yaml:"symbols"`
	Timeframe string   `yaml:"timeframe"`
	Depth     int      `yaml:"depth"`
	Record    bool     `yaml:"record"`
}

type RecorderConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxRows         int           `yaml:"max_rows"`
	BookDepth       int           `yaml:"book_depth"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultPath, environmentFiles)

	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Report:  ReportConfig{Interval: 30 * time.Second},
		Recorder: RecorderConfig{
			Prefix:        "cryptostream",
			FlushInterval: time.Minute,
			MaxRows:       10000,
			BookDepth:     20,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&config)

	config.Recorder.Bucket = strings.TrimSpace(config.Recorder.Bucket)

	// Validate configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnv overrides secrets from the environment. Credentials come from
// <EXCHANGE>_API_KEY, <EXCHANGE>_API_SECRET and <EXCHANGE>_API_PASSPHRASE.
func applyEnv(cfg *Config) {
	for name, ex := range cfg.Exchanges {
		prefix := strings.ToUpper(name)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			ex.APIKey = strings.TrimSpace(v)
		}
		if v := os.Getenv(prefix + "_API_SECRET"); v != "" {
			ex.APISecret = strings.TrimSpace(v)
		}
		if v := os.Getenv(prefix + "_API_PASSPHRASE"); v != "" {
			ex.Passphrase = strings.TrimSpace(v)
		}
		cfg.Exchanges[name] = ex
	}

	// Override S3 settings from environment variables if available
	if cfg.Recorder.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Recorder.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Recorder.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Recorder.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Recorder.Bucket = strings.TrimSpace(v)
		}
	}
}

var channels = map[string]stream.Channel{
	"ticker":       stream.ChannelTicker,
	"orderbook":    stream.ChannelOrderBook,
	"trades":       stream.ChannelTrades,
	"ohlcv":        stream.ChannelOHLCV,
	"liquidations": stream.ChannelLiquidations,
	"balance":      stream.ChannelBalance,
	"orders":       stream.ChannelOrders,
	"mytrades":     stream.ChannelMyTrades,
	"positions":    stream.ChannelPositions,
}

// ParseChannel maps a configured channel name to a stream channel.
func ParseChannel(name string) (stream.Channel, error) {
	ch, ok := channels[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("unknown channel %q", name)
	}
	return ch, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Cryptostream.Name == "" {
		return fmt.Errorf("cryptostream.name is required")
	}

	if cfg.Cryptostream.Version == "" {
		return fmt.Errorf("cryptostream.version is required")
	}

	if cfg.Report.Enabled && cfg.Report.Interval <= 0 {
		return fmt.Errorf("report.interval must be greater than 0")
	}

	if err := validateStream(cfg.Stream); err != nil {
		return err
	}

	enabled := 0
	for name, ex := range cfg.Exchanges {
		if !isKnownExchange(name) {
			return fmt.Errorf("exchanges.%s: unsupported exchange", name)
		}
		if !ex.Enabled {
			continue
		}
		enabled++
		for i, w := range ex.Watches {
			ch, err := ParseChannel(w.Channel)
			if err != nil {
				return fmt.Errorf("exchanges.%s.watches[%d]: %w", name, i, err)
			}
			if ch == stream.ChannelOHLCV && w.Timeframe == "" {
				return fmt.Errorf("exchanges.%s.watches[%d]: timeframe is required for ohlcv", name, i)
			}
			if !ch.Private() && len(w.Symbols) == 0 {
				return fmt.Errorf("exchanges.%s.watches[%d]: symbols are required for %s", name, i, ch)
			}
			if ch.Private() && (ex.APIKey == "" || ex.APISecret == "") {
				return fmt.Errorf("exchanges.%s.watches[%d]: %s needs %s_API_KEY and %s_API_SECRET",
					name, i, ch, strings.ToUpper(name), strings.ToUpper(name))
			}
			if w.Depth < 0 {
				return fmt.Errorf("exchanges.%s.watches[%d]: depth must not be negative", name, i)
			}
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one exchange must be enabled")
	}

	if cfg.Recorder.Enabled {
		if cfg.Recorder.Bucket == "" {
			return fmt.Errorf("recorder.bucket is required when the recorder is enabled")
		}
		if cfg.Recorder.Region == "" {
			return fmt.Errorf("recorder.region is required when the recorder is enabled")
		}
		if !isValidS3Bucket(cfg.Recorder.Bucket) {
			return fmt.Errorf("recorder.bucket '%s' is invalid", cfg.Recorder.Bucket)
		}
		if cfg.Recorder.FlushInterval <= 0 {
			return fmt.Errorf("recorder.flush_interval must be greater than 0")
		}
		if cfg.Recorder.MaxRows <= 0 {
			return fmt.Errorf("recorder.max_rows must be greater than 0")
		}
	}

	return nil
}

func validateStream(s StreamConfig) error {
	durations := map[string]time.Duration{
		"stream.reconnect.min":      s.Reconnect.Min,
		"stream.reconnect.max":      s.Reconnect.Max,
		"stream.keepalive.interval": s.Keepalive.Interval,
		"stream.keepalive.timeout":  s.Keepalive.Timeout,
		"stream.auth.timeout":       s.Auth.Timeout,
		"stream.write.timeout":      s.Write.Timeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if s.Reconnect.Min > 0 && s.Reconnect.Max > 0 && s.Reconnect.Max < s.Reconnect.Min {
		return fmt.Errorf("stream.reconnect.max must not be below stream.reconnect.min")
	}
	if s.Reconnect.Factor != 0 && s.Reconnect.Factor <= 1 {
		return fmt.Errorf("stream.reconnect.factor must be greater than 1")
	}
	return nil
}

// EnabledExchanges returns enabled exchange names in stable order.
func (c *Config) EnabledExchanges() []string {
	var out []string
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ToStreamConfig converts the tuning section into a stream config for one
// exchange. Unset values fall back to the stream defaults.
func (c *Config) ToStreamConfig(name string) stream.Config {
	s := c.Stream
	cfg := stream.DefaultConfig()
	if s.Reconnect.Min > 0 {
		cfg.ReconnectMin = s.Reconnect.Min
	}
	if s.Reconnect.Max > 0 {
		cfg.ReconnectMax = s.Reconnect.Max
	}
	if s.Reconnect.Factor > 1 {
		cfg.ReconnectFactor = s.Reconnect.Factor
	}
	if s.Reconnect.Jitter != nil {
		cfg.ReconnectJitter = *s.Reconnect.Jitter
	}
	if s.Keepalive.Interval > 0 {
		cfg.PingInterval = s.Keepalive.Interval
	}
	if s.Keepalive.Timeout > 0 {
		cfg.PingTimeout = s.Keepalive.Timeout
	}
	if s.Auth.Timeout > 0 {
		cfg.AuthTimeout = s.Auth.Timeout
	}
	if s.Auth.MaxAttempts > 0 {
		cfg.MaxAuthAttempts = s.Auth.MaxAttempts
	}
	if s.Book.Buffer > 0 {
		cfg.BookBuffer = s.Book.Buffer
	}
	if s.Book.MaxResyncs > 0 {
		cfg.MaxResyncAttempts = s.Book.MaxResyncs
	}
	if s.Write.Timeout > 0 {
		cfg.WriteTimeout = s.Write.Timeout
	}
	if s.Write.MessagesPerSecond > 0 {
		cfg.MessagesPerSecond = s.Write.MessagesPerSecond
	}
	if s.Write.Burst > 0 {
		cfg.Burst = s.Write.Burst
	}
	if s.Write.ReadBuffer > 0 {
		cfg.ReadBuffer = s.Write.ReadBuffer
	}
	cfg.LocalAddr = c.Exchanges[name].LocalIP
	return cfg
}

// ToHTTPConfig returns the REST client settings for one exchange.
func (c *Config) ToHTTPConfig(name string) exchange.HTTPConfig {
	return exchange.HTTPConfig{
		Timeout:         c.HTTP.Timeout,
		MaxIdleConns:    c.HTTP.MaxIdleConns,
		MaxConnsPerHost: c.HTTP.MaxConnsPerHost,
		IdleConnTimeout: c.HTTP.IdleConnTimeout,
		LocalAddr:       c.Exchanges[name].LocalIP,
	}
}

// Credentials returns the API credentials of one exchange.
func (c *Config) Credentials(name string) exchange.Credentials {
	ex := c.Exchanges[name]
	return exchange.Credentials{APIKey: ex.APIKey, Secret: ex.APISecret, Passphrase: ex.Passphrase}
}

func isKnownExchange(name string) bool {
	for _, k := range KnownExchanges {
		if k == name {
			return true
		}
	}
	return false
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
