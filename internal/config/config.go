package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	inherited       = "inherited"
	profileSpecific = "profile-specific"
)

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig     `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Audio   AudioConfig   `mapstructure:"audio" yaml:"audio"`
	Devices DevicesConfig `mapstructure:"devices" yaml:"devices"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

// InheritanceInfo records, per dotted field name, whether the value came from
// the selected profile or was inherited.
type InheritanceInfo struct {
	Profile string
	Fields  map[string]string
}

// Status returns "inherited", "profile-specific" or "" for a field.
func (i *InheritanceInfo) Status(field string) string {
	if i == nil {
		return ""
	}
	return i.Fields[field]
}

type AudioConfig struct {
	Backend      string `mapstructure:"backend" yaml:"backend"`             // "auto", "malgo", "null", "simulated"
	SampleRate   int    `mapstructure:"sample_rate" yaml:"sample_rate"`     // target rate of every mono stream
	ChunkMs      int    `mapstructure:"chunk_ms" yaml:"chunk_ms"`           // capture read size
	FlushSeconds int    `mapstructure:"flush_seconds" yaml:"flush_seconds"` // durability flush interval
	JoinTimeout  string `mapstructure:"join_timeout" yaml:"join_timeout"`   // bound on waiting for workers at stop
}

type DevicesConfig struct {
	LoopbackIndex *int `mapstructure:"loopback_index,omitempty" yaml:"loopback_index,omitempty"`
	MicIndex      *int `mapstructure:"mic_index,omitempty" yaml:"mic_index,omitempty"`
}

type OutputConfig struct {
	Directory     string `mapstructure:"directory" yaml:"directory"`
	TempDirectory string `mapstructure:"temp_directory" yaml:"temp_directory"`
	Format        string `mapstructure:"format" yaml:"format"`           // "mp3", "ogg", "flac", "wav"
	Bitrate       string `mapstructure:"bitrate" yaml:"bitrate"`         // e.g. "128k"
	Encoder       string `mapstructure:"encoder" yaml:"encoder"`         // "ffmpeg", "wav"
	MinFreeMB     int    `mapstructure:"min_free_mb" yaml:"min_free_mb"` // refuse to record below this much free space; negative disables
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

var (
	validBackends = []string{"auto", "malgo", "null", "simulated"}
	validFormats  = []string{"mp3", "ogg", "flac", "wav"}
	validEncoders = []string{"ffmpeg", "wav"}
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Backend:      "auto",
			SampleRate:   16000,
			ChunkMs:      30,
			FlushSeconds: 5,
			JoinTimeout:  "5s",
		},
		Output: OutputConfig{
			Directory: filepath.Join(os.Getenv("HOME"), "CallScribe", "recordings"),
			Format:    "mp3",
			Bitrate:   "128k",
			Encoder:   "ffmpeg",
			MinFreeMB: 500,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
	}
}

// DefaultPath is where the CLI looks for the configuration file.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/callscribe.yaml")
}

// ReadRoot parses the root configuration file.
func ReadRoot(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// viper drops empty maps, so profiles written as "name: {}" only show up
	// in the raw document.
	names, ok, err := profileKeys(configFile)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("config file %s defines no profiles under 'configs'", configFile)
	}
	if rootConfig.Configs == nil {
		rootConfig.Configs = make(map[string]*Config)
	}
	for _, name := range names {
		if _, exists := rootConfig.Configs[name]; !exists {
			rootConfig.Configs[name] = nil
		}
	}
	return &rootConfig, nil
}

// profileKeys returns the profile names under the top-level "configs" key,
// lowercased the way viper stores them. ok is false when the key is absent.
func profileKeys(configFile string) (names []string, ok bool, err error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, false, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("error parsing config file %s: %w", configFile, err)
	}
	node, ok := doc["configs"]
	if !ok {
		return nil, false, nil
	}
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			names = append(names, strings.ToLower(node.Content[i].Value))
		}
	}
	return names, true, nil
}

// LoadWithProfile loads the named profile (or the file's active_config, or
// "default") and resolves it over the "default" profile and the built-in
// defaults. Environment variables CALLSCRIBE_<SECTION>_<KEY> override the
// resolved values.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ReadRoot(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selected, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}
	if selected == nil {
		selected = &Config{}
	}

	base := Default()
	if configName != "default" {
		if defaultProfile, ok := rootConfig.Configs["default"]; ok && defaultProfile != nil {
			base = mergeConfigs(base, defaultProfile)
		}
	}
	resolved := mergeConfigs(base, selected)
	resolved.Inheritance.Profile = configName

	// Global recordings directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.RecordingsDirectory != "" {
		resolved.Output.Directory = rootConfig.Globals.Output.RecordingsDirectory
		resolved.Inheritance.Fields["output.directory"] = inherited
	}

	applyEnv(resolved)
	resolved.expandPaths()

	if err := resolved.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return resolved, nil
}

// LoadOrDefault behaves like LoadWithProfile but falls back to the built-in
// defaults when the file does not exist.
func LoadOrDefault(configFile, profile string) (*Config, error) {
	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		cfg := Default()
		cfg.Inheritance = &InheritanceInfo{Profile: "built-in", Fields: map[string]string{}}
		applyEnv(cfg)
		cfg.expandPaths()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
		return cfg, nil
	}
	return LoadWithProfile(configFile, profile)
}

// ProfileNames lists the profiles defined in the file, sorted.
func ProfileNames(configFile string) ([]string, error) {
	root, err := ReadRoot(configFile)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(root.Configs))
	for name := range root.Configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	names, err := ProfileNames(configFile)
	if err != nil {
		return err
	}
	idx := sort.SearchStrings(names, newActiveConfig)
	if idx == len(names) || names[idx] != newActiveConfig {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	// Edit the YAML document in place: a viper round trip would drop
	// inherit-everything profiles written as "name: {}" and all comments.
	info, err := os.Stat(configFile)
	if err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", configFile, err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("config file %s is not a YAML mapping", configFile)
	}
	setMappingValue(doc.Content[0], "active_config", newActiveConfig)

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(configFile, out, info.Mode().Perm()); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

func setMappingValue(m *yaml.Node, key, value string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1].Kind = yaml.ScalarNode
			m.Content[i+1].Tag = "!!str"
			m.Content[i+1].Value = value
			m.Content[i+1].Content = nil
			return
		}
	}
	m.Content = append([]*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	}, m.Content...)
}

// mergeConfigs overlays profile on base field by field. Zero values in the
// profile mean "not set" and are inherited.
func mergeConfigs(base, profile *Config) *Config {
	result := *base
	result.Inheritance = &InheritanceInfo{Fields: make(map[string]string)}
	track := func(field string, set bool) {
		if set {
			result.Inheritance.Fields[field] = profileSpecific
		} else {
			result.Inheritance.Fields[field] = inherited
		}
	}

	overrideString := func(field string, dst *string, v string) {
		if v != "" {
			*dst = v
		}
		track(field, v != "")
	}
	overrideInt := func(field string, dst *int, v int) {
		if v != 0 {
			*dst = v
		}
		track(field, v != 0)
	}
	overrideIndex := func(field string, dst **int, v *int) {
		if v != nil {
			n := *v
			*dst = &n
		}
		track(field, v != nil)
	}

	overrideString("audio.backend", &result.Audio.Backend, profile.Audio.Backend)
	overrideInt("audio.sample_rate", &result.Audio.SampleRate, profile.Audio.SampleRate)
	overrideInt("audio.chunk_ms", &result.Audio.ChunkMs, profile.Audio.ChunkMs)
	overrideInt("audio.flush_seconds", &result.Audio.FlushSeconds, profile.Audio.FlushSeconds)
	overrideString("audio.join_timeout", &result.Audio.JoinTimeout, profile.Audio.JoinTimeout)

	overrideIndex("devices.loopback_index", &result.Devices.LoopbackIndex, profile.Devices.LoopbackIndex)
	overrideIndex("devices.mic_index", &result.Devices.MicIndex, profile.Devices.MicIndex)

	overrideString("output.directory", &result.Output.Directory, profile.Output.Directory)
	overrideString("output.temp_directory", &result.Output.TempDirectory, profile.Output.TempDirectory)
	overrideString("output.format", &result.Output.Format, profile.Output.Format)
	overrideString("output.bitrate", &result.Output.Bitrate, profile.Output.Bitrate)
	overrideString("output.encoder", &result.Output.Encoder, profile.Output.Encoder)
	overrideInt("output.min_free_mb", &result.Output.MinFreeMB, profile.Output.MinFreeMB)

	overrideString("server.host", &result.Server.Host, profile.Server.Host)
	overrideInt("server.port", &result.Server.Port, profile.Server.Port)

	return &result
}

// applyEnv applies CALLSCRIBE_* environment overrides through viper.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("CALLSCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if s := v.GetString("audio.backend"); s != "" {
		cfg.Audio.Backend = s
	}
	if n := v.GetInt("audio.sample_rate"); n != 0 {
		cfg.Audio.SampleRate = n
	}
	if s := v.GetString("output.directory"); s != "" {
		cfg.Output.Directory = s
	}
	if s := v.GetString("output.format"); s != "" {
		cfg.Output.Format = s
	}
	if s := v.GetString("output.encoder"); s != "" {
		cfg.Output.Encoder = s
	}
	if n := v.GetInt("output.min_free_mb"); n != 0 {
		cfg.Output.MinFreeMB = n
	}
	if n := v.GetInt("server.port"); n != 0 {
		cfg.Server.Port = n
	}
}

func (c *Config) expandPaths() {
	c.Output.Directory = expandPath(c.Output.Directory)
	c.Output.TempDirectory = expandPath(c.Output.TempDirectory)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	if !contains(validBackends, c.Audio.Backend) {
		return fmt.Errorf("audio.backend must be one of %s, got: %s", strings.Join(validBackends, ", "), c.Audio.Backend)
	}
	if c.Audio.SampleRate < 1000 || c.Audio.SampleRate > 192000 {
		return fmt.Errorf("audio.sample_rate must be between 1000 and 192000, got: %d", c.Audio.SampleRate)
	}
	if c.Audio.ChunkMs <= 0 || c.Audio.ChunkMs > 1000 {
		return fmt.Errorf("audio.chunk_ms must be between 1 and 1000, got: %d", c.Audio.ChunkMs)
	}
	if c.Audio.FlushSeconds <= 0 {
		return fmt.Errorf("audio.flush_seconds must be positive, got: %d", c.Audio.FlushSeconds)
	}
	if d, err := time.ParseDuration(c.Audio.JoinTimeout); err != nil || d <= 0 {
		return fmt.Errorf("audio.join_timeout must be a positive duration, got: %q", c.Audio.JoinTimeout)
	}
	if idx := c.Devices.LoopbackIndex; idx != nil && *idx < 0 {
		return fmt.Errorf("devices.loopback_index must not be negative, got: %d", *idx)
	}
	if idx := c.Devices.MicIndex; idx != nil && *idx < 0 {
		return fmt.Errorf("devices.mic_index must not be negative, got: %d", *idx)
	}
	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	if !contains(validFormats, c.Output.Format) {
		return fmt.Errorf("output.format must be one of %s, got: %s", strings.Join(validFormats, ", "), c.Output.Format)
	}
	if !contains(validEncoders, c.Output.Encoder) {
		return fmt.Errorf("output.encoder must be one of %s, got: %s", strings.Join(validEncoders, ", "), c.Output.Encoder)
	}
	if c.Output.Encoder == "wav" && c.Output.Format != "wav" {
		return fmt.Errorf("output.encoder 'wav' requires output.format 'wav', got: %s", c.Output.Format)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}
	return nil
}

// Chunk returns the capture read size.
func (c *Config) Chunk() time.Duration {
	return time.Duration(c.Audio.ChunkMs) * time.Millisecond
}

// FlushInterval returns the sink durability flush interval.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Audio.FlushSeconds) * time.Second
}

// JoinTimeout returns the bound on waiting for capture workers at stop.
func (c *Config) JoinTimeout() time.Duration {
	d, err := time.ParseDuration(c.Audio.JoinTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// TempDirectory returns where intermediates are written.
func (c *Config) TempDirectory() string {
	if c.Output.TempDirectory != "" {
		return c.Output.TempDirectory
	}
	return c.Output.Directory
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
