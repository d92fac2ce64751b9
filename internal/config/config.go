// Package config loads the construction-time parameters of the Pool
// Manager from the broker's api.ini shape, layered with environment
// overrides via Viper.
package config

import (
	"math"
	"time"

	"github.com/spf13/viper"

	"github.com/adred-codev/xtbconn/internal/xtberrors"
)

// Config holds every value the connection fabric needs at construction
// time. It is read once and never mutated afterward.
type Config struct {
	Socket     SocketConfig     `mapstructure:"socket"`
	Connection ConnectionConfig `mapstructure:"connection"`
}

// SocketConfig names the broker's TLS endpoints.
type SocketConfig struct {
	Host           string `mapstructure:"host"`
	PortDemo       int    `mapstructure:"port_demo"`
	PortDemoStream int    `mapstructure:"port_demo_stream"`
	PortReal       int    `mapstructure:"port_real"`
	PortRealStream int    `mapstructure:"port_real_stream"`
}

// ConnectionConfig governs pacing, retry, and capacity behavior shared by
// every Session and Stream Session the Pool Manager creates.
type ConnectionConfig struct {
	SendInterval      time.Duration `mapstructure:"send_interval"`
	MaxConnections    int           `mapstructure:"max_connections"`
	MaxConnectionFails int          `mapstructure:"max_connection_fails"`
	MaxSendData       int           `mapstructure:"max_send_data"`
	MaxReceiveData    int           `mapstructure:"max_recieve_data"`
	MaxReactionTime   time.Duration `mapstructure:"max_reaction_time"`
}

// MaxStreamsPerSession is floor(1000 / SendInterval), where SendInterval
// is expressed in seconds.
func (c ConnectionConfig) MaxStreamsPerSession() int {
	seconds := c.SendInterval.Seconds()
	if seconds <= 0 {
		return 0
	}
	return int(math.Floor(1000 / seconds))
}

// Load reads configuration from an optional api.ini file plus XTB_*
// environment overrides. A missing file is not an error — matching the
// teacher's `_ = v.ReadInConfig()` tolerance for a file-less deployment.
func Load(paths ...string) (Config, error) {
	v := viper.New()
	v.SetConfigType("ini")

	v.SetDefault("socket.host", "xapi.xtb.com")
	v.SetDefault("socket.port_demo", 5124)
	v.SetDefault("socket.port_demo_stream", 5125)
	v.SetDefault("socket.port_real", 5112)
	v.SetDefault("socket.port_real_stream", 5113)

	v.SetDefault("connection.send_interval", 200*time.Millisecond)
	v.SetDefault("connection.max_connections", 50)
	v.SetDefault("connection.max_connection_fails", 5)
	v.SetDefault("connection.max_send_data", 1024)
	v.SetDefault("connection.max_recieve_data", 4096)
	v.SetDefault("connection.max_reaction_time", 5*time.Second)

	v.SetConfigName("api")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("XTB")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, xtberrors.NewConfigError("read api.ini", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, xtberrors.NewConfigError("unmarshal config", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects a Config that would make the Pool Manager's invariants
// unsatisfiable.
func (c Config) Validate() error {
	if c.Socket.Host == "" {
		return xtberrors.NewConfigError("socket.host must not be empty", nil)
	}
	if c.Connection.SendInterval <= 0 {
		return xtberrors.NewConfigError("connection.send_interval must be positive", nil)
	}
	if c.Connection.MaxConnections <= 0 {
		return xtberrors.NewConfigError("connection.max_connections must be positive", nil)
	}
	if c.Connection.MaxConnectionFails <= 0 {
		return xtberrors.NewConfigError("connection.max_connection_fails must be positive", nil)
	}
	if c.Connection.MaxSendData <= 0 {
		return xtberrors.NewConfigError("connection.max_send_data must be positive", nil)
	}
	if c.Connection.MaxReceiveData <= 0 {
		return xtberrors.NewConfigError("connection.max_recieve_data must be positive", nil)
	}
	if c.Connection.MaxStreamsPerSession() <= 0 {
		return xtberrors.NewConfigError("send_interval yields zero max streams per session", nil)
	}
	return nil
}
