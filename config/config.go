package config

import (
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

const EnvPrefix = "BITER"

type Config struct {
	// Port is the inbound listen port; 0 picks a free one.
	Port        int      `mapstructure:"port"`
	DownloadDir string   `mapstructure:"download_dir"`
	Peers       []string `mapstructure:"peers"`
	LogLevel    string   `mapstructure:"log_level"`
	DHT         bool     `mapstructure:"dht"`

	MaxPeers         int           `mapstructure:"max_peers"`
	PipelineDepth    int           `mapstructure:"pipeline_depth"`
	OutboxSize       int           `mapstructure:"outbox_size"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	KeepAliveTimeout time.Duration `mapstructure:"keep_alive_timeout"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	ReconnectWait    time.Duration `mapstructure:"reconnect_wait"`

	ChokeInterval   time.Duration `mapstructure:"choke_interval"`
	UnchokeSlots    int           `mapstructure:"unchoke_slots"`
	OptimisticEvery int           `mapstructure:"optimistic_every"`

	EndgameThreshold float64 `mapstructure:"endgame_threshold"`
	EndgameMinPieces int     `mapstructure:"endgame_min_pieces"`
	EndgameFanout    int     `mapstructure:"endgame_fanout"`

	MaxStrikes         int `mapstructure:"max_strikes"`
	MaxStorageFailures int `mapstructure:"max_storage_failures"`

	// UploadRate is "unlimited", "low", "medium", "high" or a size such as "512KB".
	UploadRate string `mapstructure:"upload_rate"`
	// DialRate is outbound connection attempts per second.
	DialRate float64 `mapstructure:"dial_rate"`
}

func Default() *Config {
	return &Config{
		Port:        6881,
		DownloadDir: "./downloads",
		LogLevel:    "info",

		MaxPeers:         50,
		PipelineDepth:    10,
		OutboxSize:       64,
		RequestTimeout:   45 * time.Second,
		KeepAliveTimeout: 2 * time.Minute,
		DialTimeout:      4 * time.Second,
		ReconnectWait:    20 * time.Second,

		ChokeInterval:   10 * time.Second,
		UnchokeSlots:    4,
		OptimisticEvery: 3,

		EndgameThreshold: 0.02,
		EndgameMinPieces: 4,
		EndgameFanout:    3,

		MaxStrikes:         3,
		MaxStorageFailures: 3,

		UploadRate: "unlimited",
		DialRate:   10,
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("port", d.Port)
	v.SetDefault("download_dir", d.DownloadDir)
	v.SetDefault("peers", []string{})
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("dht", d.DHT)
	v.SetDefault("max_peers", d.MaxPeers)
	v.SetDefault("pipeline_depth", d.PipelineDepth)
	v.SetDefault("outbox_size", d.OutboxSize)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("keep_alive_timeout", d.KeepAliveTimeout)
	v.SetDefault("dial_timeout", d.DialTimeout)
	v.SetDefault("reconnect_wait", d.ReconnectWait)
	v.SetDefault("choke_interval", d.ChokeInterval)
	v.SetDefault("unchoke_slots", d.UnchokeSlots)
	v.SetDefault("optimistic_every", d.OptimisticEvery)
	v.SetDefault("endgame_threshold", d.EndgameThreshold)
	v.SetDefault("endgame_min_pieces", d.EndgameMinPieces)
	v.SetDefault("endgame_fanout", d.EndgameFanout)
	v.SetDefault("max_strikes", d.MaxStrikes)
	v.SetDefault("max_storage_failures", d.MaxStorageFailures)
	v.SetDefault("upload_rate", d.UploadRate)
	v.SetDefault("dial_rate", d.DialRate)
}

// Load reads defaults, then the optional file at path, then BITER_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return errors.Errorf("port %d out of range", c.Port)
	case c.PipelineDepth < 1:
		return errors.New("pipeline_depth must be at least 1")
	case c.OutboxSize < 1:
		return errors.New("outbox_size must be at least 1")
	case c.MaxPeers < 1:
		return errors.New("max_peers must be at least 1")
	case c.EndgameFanout < 1 || c.EndgameFanout > 3:
		return errors.Errorf("endgame_fanout %d must be between 1 and 3", c.EndgameFanout)
	case c.EndgameThreshold < 0 || c.EndgameThreshold > 1:
		return errors.Errorf("endgame_threshold %v must be within [0, 1]", c.EndgameThreshold)
	case c.UnchokeSlots < 0:
		return errors.New("unchoke_slots must not be negative")
	case c.MaxStrikes < 1:
		return errors.New("max_strikes must be at least 1")
	case c.MaxStorageFailures < 1:
		return errors.New("max_storage_failures must be at least 1")
	case c.ChokeInterval <= 0 || c.KeepAliveTimeout <= 0:
		return errors.New("choke_interval and keep_alive_timeout must be positive")
	}
	if _, err := c.UploadLimiter(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, errors.Wrap(err, "log_level")
	}
	return level, nil
}

// UploadLimiter paces block uploads in bytes per second.
func (c *Config) UploadLimiter() (*rate.Limiter, error) {
	var rateSize int
	switch rstr := strings.ToLower(strings.TrimSpace(c.UploadRate)); rstr {
	case "low":
		rateSize = 50000
	case "medium":
		rateSize = 500000
	case "high":
		rateSize = 1500000
	case "unlimited", "0", "":
		return rate.NewLimiter(rate.Inf, 0), nil
	default:
		var v datasize.ByteSize
		if err := v.UnmarshalText([]byte(rstr)); err != nil {
			return nil, errors.Wrapf(err, "upload_rate %q", c.UploadRate)
		}
		if v > 2147483647 {
			return nil, errors.Errorf("upload_rate %q too large", c.UploadRate)
		}
		rateSize = int(v)
	}
	// a burst must fit at least one block
	burst := rateSize * 3
	if burst < 1<<17 {
		burst = 1 << 17
	}
	return rate.NewLimiter(rate.Limit(rateSize), burst), nil
}

// DialLimiter paces outbound connection attempts.
func (c *Config) DialLimiter() *rate.Limiter {
	if c.DialRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(c.DialRate), 1)
}
