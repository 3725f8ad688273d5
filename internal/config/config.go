package config

import (
	"os"
	"strings"

	"codeberg.org/mutker/loxbridge/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel       = "info"
	defaultMiniserverPort = 80
	defaultOutputPort     = 8094
	defaultMQTTPort       = 1883
	defaultGrabInterval   = 300
	defaultPrecision      = 5
	defaultMaxRetries     = 100
)

// General holds behavior toggles shared across components.
type General struct {
	Grabber           bool `mapstructure:"grabber"`
	GrabberInterval   int  `mapstructure:"grabber_interval"`
	RoundFloats       bool `mapstructure:"round_floats"`
	RoundingPrecision int  `mapstructure:"rounding_precision"`
}

// Miniserver holds the connection parameters for the controller.
type Miniserver struct {
	Host                 string `mapstructure:"host"`
	Port                 int    `mapstructure:"port"`
	Username             string `mapstructure:"username"`
	Password             string `mapstructure:"password"`
	VisuPassword         string `mapstructure:"visu_password"`
	MaxReconnectAttempts int    `mapstructure:"max_reconnect_attempts"`
}

// Paths holds local filesystem locations.
type Paths struct {
	DataDir string `mapstructure:"data_dir"`
}

// MQTT holds broker parameters for the publish/subscribe writer.
type MQTT struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
}

// Output selects and parameterizes the metric writer.
type Output struct {
	Protocol   string `mapstructure:"protocol"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	MaxRetries int    `mapstructure:"max_retries"`
	MQTT       MQTT   `mapstructure:"mqtt"`
}

// FilterRule holds the raw filter lists for one subscription target.
type FilterRule struct {
	TypeBlacklist []string `mapstructure:"type_blacklist"`
	TypeWhitelist []string `mapstructure:"type_whitelist"`
	UUIDBlacklist []string `mapstructure:"uuid_blacklist"`
	UUIDWhitelist []string `mapstructure:"uuid_whitelist"`
}

// Filters holds the global type blacklist and the per-target rules.
type Filters struct {
	TypeBlacklist []string   `mapstructure:"type_blacklist"`
	Push          FilterRule `mapstructure:"push"`
	Poll          FilterRule `mapstructure:"poll"`
}

type Config struct {
	General    General    `mapstructure:"general"`
	Miniserver Miniserver `mapstructure:"miniserver"`
	Paths      Paths      `mapstructure:"paths"`
	Output     Output     `mapstructure:"output"`
	Filters    Filters    `mapstructure:"filters"`
	LogLevel   string     `mapstructure:"log_level"`
	Debug      bool       `mapstructure:"debug"`
	Verbose    bool       `mapstructure:"verbose"`
}

func Load() (*Config, error) {
	errFactory := errors.New()

	flags := pflag.NewFlagSet(os.Args[0], pflag.ContinueOnError)
	flags.ParseErrorsWhitelist.UnknownFlags = true
	configPath := flags.String("config", "", "Path to configuration file")
	dataDir := flags.String("data-dir", "", "Directory for cached controller configuration")
	logLevel := flags.String("log-level", "", "Log level (debug, info, warning, error)")
	debug := flags.Bool("debug", false, "Enable debugging mode")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	if *configPath == "" {
		*configPath = os.Getenv("LOXBRIDGE_CONFIG")
	}
	if *configPath != "" {
		v.SetConfigFile(*configPath)
	} else {
		v.SetConfigName("loxbridge")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.WithMessage(errors.ErrReadConfig, "Failed to read config file").WithData(err.Error())
		}
	}

	// Command line flags override file values
	if *dataDir != "" {
		v.Set("paths.data_dir", *dataDir)
	}
	if *logLevel != "" {
		v.Set("log_level", *logLevel)
	}
	if *debug {
		v.Set("debug", true)
	}
	if *verbose {
		v.Set("verbose", true)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("general.grabber", true)
	v.SetDefault("general.grabber_interval", defaultGrabInterval)
	v.SetDefault("general.round_floats", false)
	v.SetDefault("general.rounding_precision", defaultPrecision)
	v.SetDefault("miniserver.host", "0.0.0.0")
	v.SetDefault("miniserver.port", defaultMiniserverPort)
	v.SetDefault("miniserver.username", "admin")
	v.SetDefault("miniserver.password", "admin")
	// zero means reconnect without bound
	v.SetDefault("miniserver.max_reconnect_attempts", 0)
	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("output.protocol", "udp")
	v.SetDefault("output.host", "0.0.0.0")
	v.SetDefault("output.port", defaultOutputPort)
	v.SetDefault("output.max_retries", defaultMaxRetries)
	v.SetDefault("output.mqtt.host", "localhost")
	v.SetDefault("output.mqtt.port", defaultMQTTPort)
	v.SetDefault("output.mqtt.topic", "loxone/metrics")
	v.SetDefault("output.mqtt.client_id", "loxbridge")
}

// Validate checks the loaded configuration for values no component can
// operate with.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !isValidLogLevel(c.LogLevel) {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	switch c.Output.Protocol {
	case "udp", "tcp", "execd", "mqtt":
	default:
		return errFactory.WithMessage(errors.ErrInvalidConfig, "unknown output protocol").WithData(c.Output.Protocol)
	}

	if c.General.GrabberInterval <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "grabber_interval must be positive").WithData(c.General.GrabberInterval)
	}

	if c.General.RoundingPrecision < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "rounding_precision must not be negative").WithData(c.General.RoundingPrecision)
	}

	if c.Miniserver.MaxReconnectAttempts < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "max_reconnect_attempts must not be negative").WithData(c.Miniserver.MaxReconnectAttempts)
	}

	if c.Paths.DataDir == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "paths.data_dir must be set")
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warning", "error":
		return true
	default:
		return false
	}
}
