package core

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dcrodman/switchboard/internal/packets"
)

// Config contains all of the configuration options available to the server,
// client, and discovery components.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// IP advertised to clients in discovery datagrams. Blank picks the first
	// non-loopback IPv4 address of the host.
	ExternalIP string `mapstructure:"external_ip"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
		// Include the file and line number of the log call.
		IncludeCaller bool `mapstructure:"include_caller"`
	} `mapstructure:"logging"`

	Server struct {
		// Port on which the server will listen.
		Port int `mapstructure:"port"`
		// Maximum number of concurrent connections the server will allow.
		MaxConnections int `mapstructure:"max_connections"`
		// Text sent to every client as part of the ReadyForNewUser status.
		WelcomeMessage string `mapstructure:"welcome_message"`
		// Require the shared password below from clients.
		UseAuth bool `mapstructure:"use_auth"`
		// Shared secret. Authentication is skipped when blank.
		Password string `mapstructure:"password"`
		// How often the connection loop polls its sessions.
		TickInterval time.Duration `mapstructure:"tick_interval"`
		// Upper bound on a single write to a client.
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`

	Discovery struct {
		// Periodically advertise the server on the multicast group.
		Enabled bool `mapstructure:"enabled"`
		// Multicast group and port shared by servers and clients.
		Group string `mapstructure:"group"`
		Port  int    `mapstructure:"port"`
		// Time between unsolicited advertisements.
		Interval time.Duration `mapstructure:"interval"`
		// How long clients listen for advertisements.
		Window time.Duration `mapstructure:"window"`
		// Multicast TTL; 1 keeps datagrams on the local network.
		TTL int `mapstructure:"ttl"`
		// Network interface to join the group on. Blank lets the OS choose.
		Interface string `mapstructure:"interface"`
	} `mapstructure:"discovery"`

	Client struct {
		// Name the client registers with.
		Identifier string `mapstructure:"identifier"`
		// Password sent when the server asks for one.
		Password string `mapstructure:"password"`
		// Bound on dialing plus the registration handshake.
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	} `mapstructure:"client"`

	Debugging struct {
		// Start a pprof server on localhost.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which the pprof server will be started.
		PprofPort int `mapstructure:"pprof_port"`
		// Dump every frame sent and received to the log.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "SWITCHBOARD"

func setDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("external_ip", "")
	v.SetDefault("logging.log_file_path", "")
	v.SetDefault("logging.log_level", "info")
	v.SetDefault("logging.include_caller", false)
	v.SetDefault("server.port", 7991)
	v.SetDefault("server.max_connections", 32)
	v.SetDefault("server.welcome_message", "Welcome to the switchboard")
	v.SetDefault("server.use_auth", true)
	v.SetDefault("server.password", "")
	v.SetDefault("server.tick_interval", 10*time.Millisecond)
	v.SetDefault("server.write_timeout", time.Second)
	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.group", "237.1.3.4")
	v.SetDefault("discovery.port", 7995)
	v.SetDefault("discovery.interval", time.Second)
	v.SetDefault("discovery.window", 3*time.Second)
	v.SetDefault("discovery.ttl", 1)
	v.SetDefault("discovery.interface", "")
	v.SetDefault("client.identifier", "Client1")
	v.SetDefault("client.password", "")
	v.SetDefault("client.connect_timeout", 5*time.Second)
	v.SetDefault("debugging.pprof_enabled", false)
	v.SetDefault("debugging.pprof_port", 4000)
	v.SetDefault("debugging.packet_logging_enabled", false)
}

// DefaultConfig returns the configuration used when no file or overrides are present.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	config := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(config)
	return config
}

// LoadConfig reads config.yaml from configPath (if there is one) on top of the
// defaults, then applies environment variables and any flags that were set.
// flags may be nil.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, server.port can be set using: <envVarPrefix>_SERVER_PORT
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	return config, config.Validate()
}

// bindFlags maps command line flags onto config keys. Flag names use dashes in
// place of the dots and underscores in the key (e.g. --server-port).
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		for _, k := range v.AllKeys() {
			if flagName(k) == f.Name {
				err = v.BindPFlag(k, f)
				return
			}
		}
	})
	return err
}

func flagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

// Validate rejects configurations the server and client can't run with.
func (c *Config) Validate() error {
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.max_connections must be positive, got %d", c.Server.MaxConnections)
	}
	if c.Server.TickInterval <= 0 {
		return fmt.Errorf("server.tick_interval must be positive, got %v", c.Server.TickInterval)
	}
	if ip := net.ParseIP(c.Discovery.Group); ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("discovery.group %q is not a multicast address", c.Discovery.Group)
	}
	if c.ExternalIP != "" && net.ParseIP(c.ExternalIP) == nil {
		return fmt.Errorf("external_ip %q is not an IP address", c.ExternalIP)
	}
	// Both are sent inside control lines; the welcome is also split on NUL.
	if err := validateWireText("server.welcome_message", c.Server.WelcomeMessage, true); err != nil {
		return err
	}
	if err := validateWireText("server.password", c.Server.Password, false); err != nil {
		return err
	}
	return validateWireText("client.password", c.Client.Password, false)
}

func validateWireText(key, value string, welcome bool) error {
	if welcome && strings.ContainsRune(value, 0) {
		return fmt.Errorf("%s must not contain NUL bytes", key)
	}
	// Checked as it appears on the wire, after the status or command prefix.
	if err := packets.NewText("x " + value).Validate(); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// ListenAddress returns the address the server binds to.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Hostname, fmt.Sprint(c.Server.Port))
}

// AdvertisedIP returns the IP broadcast to clients in discovery datagrams.
func (c *Config) AdvertisedIP() net.IP {
	if ip := net.ParseIP(c.ExternalIP); ip != nil {
		return ip
	}
	if ip := net.ParseIP(c.Hostname); ip != nil && !ip.IsUnspecified() {
		return ip
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				return ipNet.IP.To4()
			}
		}
	}
	return net.IPv4(127, 0, 0, 1)
}
