// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Transport TransportConfig `mapstructure:"transport"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	App       AppConfig       `mapstructure:"app"`
}

// GatewayConfig represents the local UI-facing HTTP server
type GatewayConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// DiscoveryConfig represents the endpoint candidate table. The
// candidate list is the cartesian product of hosts x ports x paths;
// it is configuration data, not protocol.
type DiscoveryConfig struct {
	Hosts               []string      `mapstructure:"hosts"`
	HTTPPorts           []int         `mapstructure:"http_ports"`
	WebSocketPorts      []int         `mapstructure:"websocket_ports"`
	WebSocketPath       string        `mapstructure:"websocket_path"`
	PingPath            string        `mapstructure:"ping_path"`
	ScanTimeout         time.Duration `mapstructure:"scan_timeout"`
	PerCandidateTimeout time.Duration `mapstructure:"per_candidate_timeout"`
	PrimaryPingTimeout  time.Duration `mapstructure:"primary_ping_timeout"`
}

// TransportConfig groups the per-transport settings
type TransportConfig struct {
	BLE  BLEConfig  `mapstructure:"ble"`
	SPP  SPPConfig  `mapstructure:"spp"`
	WS   WSConfig   `mapstructure:"websocket"`
	HTTP HTTPConfig `mapstructure:"http"`
}

// BLEConfig represents the GATT profile and connect behavior
type BLEConfig struct {
	ServiceUUID      string        `mapstructure:"service_uuid"`
	CommandCharUUID  string        `mapstructure:"command_char_uuid"`
	StateCharUUID    string        `mapstructure:"state_char_uuid"`
	ProgressCharUUID string        `mapstructure:"progress_char_uuid"`
	DataCharUUID     string        `mapstructure:"data_char_uuid"`
	ErrorCharUUID    string        `mapstructure:"error_char_uuid"`
	NamePrefixes     []string      `mapstructure:"name_prefixes"`
	ScanTimeout      time.Duration `mapstructure:"scan_timeout"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ChunkSize        int           `mapstructure:"chunk_size"`
	ReadDelay        time.Duration `mapstructure:"read_delay"`
}

// SPPConfig represents the Bluetooth serial settings
type SPPConfig struct {
	PreferredName  string        `mapstructure:"preferred_name"`
	DeviceKeywords []string      `mapstructure:"device_keywords"`
	BaudRate       int           `mapstructure:"baud_rate"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PollBackoff    time.Duration `mapstructure:"poll_backoff"`
	ReadDelay      time.Duration `mapstructure:"read_delay"`
}

// WSConfig represents WebSocket transport settings. The dial URL
// comes from discovery; only connection behavior lives here.
type WSConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// HTTPConfig represents REST transport settings
type HTTPConfig struct {
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatStrikes  int           `mapstructure:"heartbeat_strikes"`
	ProgressInterval  time.Duration `mapstructure:"progress_interval"`
}

// BridgeConfig represents arbitrator behavior
type BridgeConfig struct {
	Priority     []string `mapstructure:"priority"`
	EventLogSize int      `mapstructure:"event_log_size"`
}

// StoreConfig represents the local endpoint cache database
type StoreConfig struct {
	Path        string `mapstructure:"path"`
	ProbeLogCap int    `mapstructure:"probe_log_cap"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("$HOME/.robot-bridge")

	viper.SetEnvPrefix("ROBOT_BRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// A missing config file is fine; defaults cover a stock robot
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Gateway defaults
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.port", "8090")
	viper.SetDefault("gateway.read_timeout", "30s")
	viper.SetDefault("gateway.write_timeout", "30s")
	viper.SetDefault("gateway.idle_timeout", "120s")
	viper.SetDefault("gateway.allowed_origins", []string{"*"})

	// Discovery defaults: known hosts (gateway, robot board, broker PC,
	// tablet) crossed with known ports
	viper.SetDefault("discovery.hosts", []string{
		"192.168.99.1", "192.168.99.2", "192.168.99.100", "192.168.99.101",
	})
	viper.SetDefault("discovery.http_ports", []int{0, 80})
	viper.SetDefault("discovery.websocket_ports", []int{8080, 9001})
	viper.SetDefault("discovery.websocket_path", "/ws")
	viper.SetDefault("discovery.ping_path", "/api/ping")
	viper.SetDefault("discovery.scan_timeout", "30s")
	viper.SetDefault("discovery.per_candidate_timeout", "4s")
	viper.SetDefault("discovery.primary_ping_timeout", "15s")

	// BLE defaults: robot GATT profile
	viper.SetDefault("transport.ble.service_uuid", "0000fff0-0000-1000-8000-00805f9b34fb")
	viper.SetDefault("transport.ble.command_char_uuid", "0000fff1-0000-1000-8000-00805f9b34fb")
	viper.SetDefault("transport.ble.state_char_uuid", "0000fff2-0000-1000-8000-00805f9b34fb")
	viper.SetDefault("transport.ble.progress_char_uuid", "0000fff3-0000-1000-8000-00805f9b34fb")
	viper.SetDefault("transport.ble.data_char_uuid", "0000fff4-0000-1000-8000-00805f9b34fb")
	viper.SetDefault("transport.ble.error_char_uuid", "0000fff5-0000-1000-8000-00805f9b34fb")
	viper.SetDefault("transport.ble.name_prefixes", []string{"CSJBOT", "CT300", "ROBOT"})
	viper.SetDefault("transport.ble.scan_timeout", "15s")
	viper.SetDefault("transport.ble.connect_timeout", "20s")
	viper.SetDefault("transport.ble.chunk_size", 20)
	viper.SetDefault("transport.ble.read_delay", "250ms")

	// SPP defaults
	viper.SetDefault("transport.spp.preferred_name", "")
	viper.SetDefault("transport.spp.device_keywords", []string{"csjbot", "ct300", "robot"})
	viper.SetDefault("transport.spp.baud_rate", 115200)
	viper.SetDefault("transport.spp.read_timeout", "2s")
	viper.SetDefault("transport.spp.poll_interval", "100ms")
	viper.SetDefault("transport.spp.poll_backoff", "500ms")
	viper.SetDefault("transport.spp.read_delay", "250ms")

	// WebSocket defaults
	viper.SetDefault("transport.websocket.connect_timeout", "5s")
	viper.SetDefault("transport.websocket.write_timeout", "10s")

	// HTTP defaults
	viper.SetDefault("transport.http.command_timeout", "10s")
	viper.SetDefault("transport.http.heartbeat_timeout", "3s")
	viper.SetDefault("transport.http.heartbeat_interval", "5s")
	viper.SetDefault("transport.http.heartbeat_strikes", 3)
	viper.SetDefault("transport.http.progress_interval", "2s")

	// Bridge defaults
	viper.SetDefault("bridge.priority", []string{"ble", "spp", "websocket", "http"})
	viper.SetDefault("bridge.event_log_size", 100)

	// Store defaults
	viper.SetDefault("store.path", "./data/bridge.db")
	viper.SetDefault("store.probe_log_cap", 500)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.max_size", 50)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 14)
	viper.SetDefault("logging.compress", true)

	// App defaults
	viper.SetDefault("app.name", "robot-bridge")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if len(config.Discovery.Hosts) == 0 {
		return fmt.Errorf("discovery.hosts must not be empty")
	}
	if config.Transport.BLE.ChunkSize <= 0 {
		return fmt.Errorf("transport.ble.chunk_size must be positive")
	}
	if config.Transport.HTTP.HeartbeatStrikes <= 0 {
		return fmt.Errorf("transport.http.heartbeat_strikes must be positive")
	}

	validKinds := map[string]bool{"ble": true, "spp": true, "websocket": true, "http": true}
	for _, kind := range config.Bridge.Priority {
		if !validKinds[kind] {
			return fmt.Errorf("bridge.priority contains unknown transport: %s", kind)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// GetGatewayAddr returns the gateway listen address
func (c *Config) GetGatewayAddr() string {
	return fmt.Sprintf("%s:%s", c.Gateway.Host, c.Gateway.Port)
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == "development"
}
