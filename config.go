package digidaq

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/usnistgov/digidaq/digitizer"
	"github.com/usnistgov/digidaq/drb"
	"gopkg.in/yaml.v3"
)

// AcquisitionMode says which event shape the digitizer delivers.
type AcquisitionMode int

// The two event shapes: whole frames or interleaved per-channel triggers.
const (
	FrameMode AcquisitionMode = iota
	ChannelMode
)

func (m AcquisitionMode) String() string {
	switch m {
	case FrameMode:
		return "frame"
	case ChannelMode:
		return "per-channel"
	}
	return fmt.Sprintf("AcquisitionMode(%d)", int(m))
}

// GeneralSettings are the recognized keys of the general_settings section.
type GeneralSettings struct {
	RecordLength        int     `mapstructure:"recordlengths"`
	BufferSize          int     `mapstructure:"buffer_size"`
	MaxFileSizeMB       float64 `mapstructure:"max_file_size_mb"`
	StatsInterval       int     `mapstructure:"interval_stats"`
	SoftwareTriggerRate float64 `mapstructure:"software_trigger_rate"`
	TriggerSource       string  `mapstructure:"acqtriggersource"`
	Endpoint            string  `mapstructure:"endpoint"`
	ReadTimeoutMs       int     `mapstructure:"read_timeout_ms"`
	Compression         string  `mapstructure:"compression"`
}

// engineOnlySettings are general_settings keys consumed here and never sent
// to the digitizer. Every other key is a board parameter.
var engineOnlySettings = map[string]bool{
	"buffer_size":           true,
	"max_file_size_mb":      true,
	"interval_stats":        true,
	"software_trigger_rate": true,
	"endpoint":              true,
	"read_timeout_ms":       true,
	"compression":           true,
}

func setGeneralDefaults(v *viper.Viper) {
	v.SetDefault("general_settings.recordlengths", 1000)
	v.SetDefault("general_settings.buffer_size", 100)
	v.SetDefault("general_settings.max_file_size_mb", 100)
	v.SetDefault("general_settings.interval_stats", 100)
	v.SetDefault("general_settings.software_trigger_rate", 1000)
	v.SetDefault("general_settings.acqtriggersource", "SwTrg")
	v.SetDefault("general_settings.endpoint", digitizer.EndpointScope)
	v.SetDefault("general_settings.read_timeout_ms", 1000)
	v.SetDefault("general_settings.compression", string(drb.None))
}

// Config is a validated acquisition configuration file.
type Config struct {
	Filename     string
	General      GeneralSettings
	DeviceParams []Param // board parameters, in file order
	Groups       ChannelGroups
}

// rawConfig keeps the file order of the sections viper cannot order.
type rawConfig struct {
	GeneralSettings yaml.Node     `yaml:"general_settings"`
	ChannelSettings ChannelGroups `yaml:"channel_settings"`
}

// LoadConfig reads and validates the configuration file. Typed settings go
// through viper, so DIGIDAQ_GENERAL_SETTINGS_<KEY> environment variables
// override the file. Channel groups and board parameters are decoded in file
// order and their values passed verbatim.
func LoadConfig(filename string) (*Config, error) {
	if _, err := os.Stat(filename); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("configuration file %q not found", filename), Err: err}
	}

	v := viper.New()
	setGeneralDefaults(v)
	v.SetConfigFile(filename)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DIGIDAQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("could not parse %q", filename), Err: err}
	}

	config := &Config{Filename: filename}
	var typed struct {
		General GeneralSettings `mapstructure:"general_settings"`
	}
	if err := v.Unmarshal(&typed); err != nil {
		return nil, &ConfigError{Reason: "general_settings", Err: err}
	}
	config.General = typed.General

	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("could not read %q", filename), Err: err}
	}
	var raw rawConfig
	if err := yaml.Unmarshal(contents, &raw); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("could not parse %q", filename), Err: err}
	}
	config.Groups = raw.ChannelSettings
	params, err := boardParams(&raw.GeneralSettings)
	if err != nil {
		return nil, err
	}
	config.DeviceParams = params

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// boardParams lists the general settings that are board parameters, in file order.
func boardParams(node *yaml.Node) ([]Param, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, &ConfigError{Reason: "general_settings must be a mapping"}
	}
	var params []Param
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := strings.ToLower(node.Content[i].Value)
		val := node.Content[i+1]
		if engineOnlySettings[key] || val.Tag == "!!null" {
			continue
		}
		if val.Kind != yaml.ScalarNode {
			return nil, &ConfigError{Reason: fmt.Sprintf("general setting %q must be a scalar", key)}
		}
		params = append(params, Param{Name: key, Value: val.Value})
	}
	return params, nil
}

// Validate checks the typed settings once, at load time.
func (c *Config) Validate() error {
	g := &c.General
	switch {
	case g.RecordLength < 1:
		return &ConfigError{Reason: fmt.Sprintf("recordlengths=%d, must be at least 1", g.RecordLength)}
	case g.BufferSize < 1:
		return &ConfigError{Reason: fmt.Sprintf("buffer_size=%d, must be at least 1", g.BufferSize)}
	case g.MaxFileSizeMB <= 0:
		return &ConfigError{Reason: fmt.Sprintf("max_file_size_mb=%v, must be positive", g.MaxFileSizeMB)}
	case g.StatsInterval < 0:
		return &ConfigError{Reason: fmt.Sprintf("interval_stats=%d, must not be negative", g.StatsInterval)}
	case g.SoftwareTriggerRate < 0:
		return &ConfigError{Reason: fmt.Sprintf("software_trigger_rate=%v, must not be negative", g.SoftwareTriggerRate)}
	case g.ReadTimeoutMs < 1:
		return &ConfigError{Reason: fmt.Sprintf("read_timeout_ms=%d, must be at least 1", g.ReadTimeoutMs)}
	}
	if _, err := c.Mode(); err != nil {
		return err
	}
	if _, err := drb.ParseCompression(g.Compression); err != nil {
		return &ConfigError{Reason: "compression", Err: err}
	}
	return nil
}

// Mode returns the acquisition mode implied by the endpoint setting.
func (c *Config) Mode() (AcquisitionMode, error) {
	switch strings.ToLower(c.General.Endpoint) {
	case digitizer.EndpointScope:
		return FrameMode, nil
	case digitizer.EndpointDPPPHA:
		return ChannelMode, nil
	}
	return FrameMode, &ConfigError{Reason: fmt.Sprintf("endpoint %q is not %q or %q",
		c.General.Endpoint, digitizer.EndpointScope, digitizer.EndpointDPPPHA)}
}

// MaxFileSizeBytes is the rotation threshold.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.General.MaxFileSizeMB * 1024 * 1024)
}

// SoftwareTrigger tells whether the loop must send software triggers.
func (c *Config) SoftwareTrigger() bool {
	return strings.Contains(c.General.TriggerSource, "SwTrg")
}

// ReadTimeout is the bound on each blocking device read.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.General.ReadTimeoutMs) * time.Millisecond
}

// EffectiveBufferSize clamps the configured buffer size to a finite,
// smaller target event count. A target of 0 means no target.
func EffectiveBufferSize(bufferSize, targetEvents int) int {
	if targetEvents > 0 && bufferSize > targetEvents {
		return targetEvents
	}
	return bufferSize
}
