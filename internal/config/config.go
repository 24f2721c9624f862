package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"github.com/vistiles/server/internal/combination"
	"github.com/vistiles/server/internal/proximity"
)

// FileName is the config file looked up in the config directory.
const FileName = "vistiles.cfg.json"

// TrackingConfig holds rigid body filtering settings.
type TrackingConfig struct {
	Jitter            float64       `json:"jitter" mapstructure:"jitter"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval" mapstructure:"heartbeatInterval"`
	// AreaWidth and AreaHeight are the tracked table size in centimeters.
	AreaWidth  float64 `json:"areaWidth" mapstructure:"areaWidth"`
	AreaHeight float64 `json:"areaHeight" mapstructure:"areaHeight"`
}

// PairingConfig holds shake-to-pair settings.
type PairingConfig struct {
	Threshold  float64       `json:"threshold" mapstructure:"threshold"`
	Tick       time.Duration `json:"tick" mapstructure:"tick"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	RetryDelay time.Duration `json:"retryDelay" mapstructure:"retryDelay"`
}

// ProximityConfig holds the hysteresis band and evaluation interval.
type ProximityConfig struct {
	NearLower float64       `json:"nearLower" mapstructure:"nearLower"`
	NearUpper float64       `json:"nearUpper" mapstructure:"nearUpper"`
	Interval  time.Duration `json:"interval" mapstructure:"interval"`
}

// Thresholds returns the band as used by the proximity engine.
func (c ProximityConfig) Thresholds() proximity.Thresholds {
	return proximity.Thresholds{NearLower: c.NearLower, NearUpper: c.NearUpper}
}

// AlignmentConfig holds alignment protocol settings.
type AlignmentConfig struct {
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// OSCConfig holds the tracking feed listener settings.
type OSCConfig struct {
	Address string `json:"address" mapstructure:"address"`
	Port    int    `json:"port" mapstructure:"port"`
	Path    string `json:"path" mapstructure:"path"`
}

// ServerConfig holds HTTP and event loop settings.
type ServerConfig struct {
	Addr      string `json:"addr" mapstructure:"addr"`
	QueueSize int    `json:"queueSize" mapstructure:"queueSize"`
}

// StoreConfig holds marker link persistence settings.
type StoreConfig struct {
	Type       string `json:"type" mapstructure:"type"` // "sqlite" or "postgres"
	SqlitePath string `json:"sqlitePath" mapstructure:"sqlitePath"`
	Host       string `json:"host" mapstructure:"host"`
	Port       string `json:"port" mapstructure:"port"`
	Username   string `json:"username" mapstructure:"username"`
	Password   string `json:"password" mapstructure:"password"`
	Database   string `json:"database" mapstructure:"database"`
}

// InfluxConfig holds time series settings.
type InfluxConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Protocol   string `json:"protocol" mapstructure:"protocol"`
	Host       string `json:"host" mapstructure:"host"`
	Port       string `json:"port" mapstructure:"port"`
	Token      string `json:"token" mapstructure:"token"`
	Org        string `json:"org" mapstructure:"org"`
	Bucket     string `json:"bucket" mapstructure:"bucket"`
	BackupPath string `json:"backupPath" mapstructure:"backupPath"`
}

// URL returns the server address of the InfluxDB instance.
func (c InfluxConfig) URL() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

// GraylogConfig holds GELF log shipping settings.
type GraylogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

// ViewEntry declares a client view. Views are listed rather than keyed
// because viper folds map keys to lower case.
type ViewEntry struct {
	Name                 string `json:"name" mapstructure:"name"`
	combination.ViewSpec `mapstructure:",squash"`
}

// MenuItem is the menu presentation of one combination kind.
type MenuItem struct {
	Kind                  string `json:"kind" mapstructure:"kind"`
	combination.MenuEntry `mapstructure:",squash"`
}

// AppConfig holds what clients and the combination rules share.
type AppConfig struct {
	WorkspaceColors []string    `json:"workspaceColors" mapstructure:"workspaceColors"`
	DeviceColors    [][]string  `json:"deviceColors" mapstructure:"deviceColors"`
	Views           []ViewEntry `json:"views" mapstructure:"views"`
	CombinationMenu []MenuItem  `json:"combinationMenu" mapstructure:"combinationMenu"`
}

// Catalog returns the views keyed by name.
func (c AppConfig) Catalog() combination.Catalog {
	cat := make(combination.Catalog, len(c.Views))
	for _, v := range c.Views {
		cat[v.Name] = v.ViewSpec
	}
	return cat
}

// Menu returns the menu entries keyed by kind name. Kinds without an entry
// fall back to their name as label.
func (c AppConfig) Menu() map[string]combination.MenuEntry {
	menu := make(map[string]combination.MenuEntry, len(combination.Kinds()))
	for _, k := range combination.Kinds() {
		menu[k.String()] = combination.MenuEntry{Label: k.String()}
	}
	for _, item := range c.CombinationMenu {
		menu[item.Kind] = item.MenuEntry
	}
	return menu
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file. The file may carry
// comments. A missing file leaves the defaults in place.
func Load(configDir string) error {
	setDefaults()

	viper.SetConfigType("json")
	viper.SetEnvPrefix("VISTILES")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	data, err := os.ReadFile(filepath.Join(configDir, FileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := viper.ReadConfig(bytes.NewReader(jsonc.ToJSON(data))); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// BindFlags binds command-line flags to their config keys.
func BindFlags(fs *pflag.FlagSet) error {
	bindings := map[string]string{
		"logLevel":    "log-level",
		"server.addr": "addr",
	}
	for key, flag := range bindings {
		if f := fs.Lookup(flag); f != nil {
			if err := viper.BindPFlag(key, f); err != nil {
				return fmt.Errorf("binding flag %s: %w", flag, err)
			}
		}
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("tracking.jitter", 0.005)
	viper.SetDefault("tracking.heartbeatInterval", "900ms")
	viper.SetDefault("tracking.areaWidth", 200)
	viper.SetDefault("tracking.areaHeight", 100)

	viper.SetDefault("pairing.threshold", 0.05)
	viper.SetDefault("pairing.tick", "1s")
	viper.SetDefault("pairing.timeout", "10s")
	viper.SetDefault("pairing.retryDelay", "2s")

	viper.SetDefault("proximity.nearLower", 0.10)
	viper.SetDefault("proximity.nearUpper", 0.15)
	viper.SetDefault("proximity.interval", "500ms")

	viper.SetDefault("alignment.timeout", "30s")

	viper.SetDefault("osc.address", "0.0.0.0")
	viper.SetDefault("osc.port", 3333)
	viper.SetDefault("osc.path", "/tracking/optitrack/rigidbodies")

	viper.SetDefault("server.addr", ":3000")
	viper.SetDefault("server.queueSize", 4096)

	viper.SetDefault("store.type", "sqlite")
	viper.SetDefault("store.sqlitePath", "./vistiles.db")
	viper.SetDefault("store.host", "localhost")
	viper.SetDefault("store.port", "5432")
	viper.SetDefault("store.username", "postgres")
	viper.SetDefault("store.password", "postgres")
	viper.SetDefault("store.database", "vistiles")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "vistiles")
	viper.SetDefault("influx.bucket", "vistiles")
	viper.SetDefault("influx.backupPath", "./influx_backup.lp.gz")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("app.workspaceColors", []string{"#9e9e9e", "#e57373", "#64b5f6", "#81c784", "#ffb74d", "#ba68c8"})
	viper.SetDefault("app.deviceColors", [][]string{
		{"#f44336", "#ffcdd2"},
		{"#2196f3", "#bbdefb"},
		{"#4caf50", "#c8e6c9"},
		{"#ff9800", "#ffe0b2"},
	})
	viper.SetDefault("app.views", []map[string]any{
		{"name": "barChart", "type": 1, "characteristics": []string{"hasAxis"}},
		{"name": "lineChart", "type": 1, "characteristics": []string{"hasAxis"}},
		{"name": "scatterplot", "type": 1, "characteristics": []string{"hasAxis"}},
		{"name": "streamgraph", "type": 1, "characteristics": []string{"hasAxis"}},
		{"name": "parallelCoordinates", "type": 1, "characteristics": []string{}},
		{"name": "table", "type": 1, "characteristics": []string{}},
		{"name": "visSettingsMenu", "type": 2, "characteristics": []string{}},
	})
	viper.SetDefault("app.combinationMenu", []map[string]any{})
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// settings mirrors the sections of the config file. Decoding the whole tree
// goes through AllSettings, which is where environment overrides apply.
type settings struct {
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Pairing   PairingConfig   `mapstructure:"pairing"`
	Proximity ProximityConfig `mapstructure:"proximity"`
	Alignment AlignmentConfig `mapstructure:"alignment"`
	OSC       OSCConfig       `mapstructure:"osc"`
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Influx    InfluxConfig    `mapstructure:"influx"`
	Graylog   GraylogConfig   `mapstructure:"graylog"`
	App       AppConfig       `mapstructure:"app"`
}

func section[T any](pick func(settings) T) (T, error) {
	var all settings
	if err := viper.Unmarshal(&all); err != nil {
		var zero T
		return zero, fmt.Errorf("decoding config: %w", err)
	}
	return pick(all), nil
}

// GetTrackingConfig returns the tracking section.
func GetTrackingConfig() (TrackingConfig, error) {
	return section(func(s settings) TrackingConfig { return s.Tracking })
}

// GetPairingConfig returns the pairing section.
func GetPairingConfig() (PairingConfig, error) {
	return section(func(s settings) PairingConfig { return s.Pairing })
}

// GetProximityConfig returns the proximity section.
func GetProximityConfig() (ProximityConfig, error) {
	return section(func(s settings) ProximityConfig { return s.Proximity })
}

// GetAlignmentConfig returns the alignment section.
func GetAlignmentConfig() (AlignmentConfig, error) {
	return section(func(s settings) AlignmentConfig { return s.Alignment })
}

// GetOSCConfig returns the tracking feed section.
func GetOSCConfig() (OSCConfig, error) {
	return section(func(s settings) OSCConfig { return s.OSC })
}

// GetServerConfig returns the server section.
func GetServerConfig() (ServerConfig, error) {
	return section(func(s settings) ServerConfig { return s.Server })
}

// GetStoreConfig returns the marker store section.
func GetStoreConfig() (StoreConfig, error) {
	return section(func(s settings) StoreConfig { return s.Store })
}

// GetInfluxConfig returns the telemetry section.
func GetInfluxConfig() (InfluxConfig, error) {
	return section(func(s settings) InfluxConfig { return s.Influx })
}

// GetGraylogConfig returns the log shipping section.
func GetGraylogConfig() (GraylogConfig, error) {
	return section(func(s settings) GraylogConfig { return s.Graylog })
}

// GetAppConfig returns the app section shared with clients.
func GetAppConfig() (AppConfig, error) {
	return section(func(s settings) AppConfig { return s.App })
}
