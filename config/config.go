package config

import (
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dselans/gzseek/zran"
)

const (
	EnvVarPrefix          = "GZSEEK"
	DefaultConfigFile     = "gzseek.toml"
	IndexFileSuffix       = ".gzidx"
	CheckpointIndexSuffix = ".index"

	DefaultLogLevel           = "info"
	DefaultIndexSpacing       = zran.DefaultSpacing
	DefaultReadAllBufSize     = zran.DefaultReadAllBufSize
	DefaultBatchSize          = 100
	DefaultNumWorkers         = 2
	DefaultCheckpointInterval = duration(5 * time.Second)
	DefaultCheckpointFile     = "checkpoint.json"
	DefaultListenAddress      = "127.0.0.1:8080"
	DefaultShutdownTimeout    = duration(5 * time.Second)

	MinIndexSpacing       = zran.MinSpacing
	MaxIndexSpacing       = 1024 * 1024 * 1024
	MinReadAllBufSize     = 512
	MaxReadAllBufSize     = 64 * 1024 * 1024
	MinBatchSize          = 1
	MaxBatchSize          = 10_000
	MinNumWorkers         = 1
	MaxNumWorkers         = 100
	MinCheckpointInterval = duration(1 * time.Millisecond)
	MaxCheckpointInterval = duration(1 * time.Hour)
	MinShutdownTimeout    = duration(0)
	MaxShutdownTimeout    = duration(5 * time.Minute)
)

var (
	// VERSION gets set during build
	VERSION = "0.0.0"
)

type Config struct {
	CLI  *CLI
	TOML *TOML
}

type TOML struct {
	Config *TOMLConfig `toml:"config"`
	Index  *TOMLIndex  `toml:"index"`
	Scan   *TOMLScan   `toml:"scan"`
	Serve  *TOMLServe  `toml:"serve"`
}

type TOMLConfig struct {
	LogLevel string `toml:"log_level"`
}

type TOMLIndex struct {
	Spacing        int64  `toml:"spacing"`
	ReadAllBufSize int    `toml:"read_all_buf_size"`
	FileSuffix     string `toml:"file_suffix"`
}

type TOMLScan struct {
	NumWorkers           int      `toml:"num_workers"`
	BatchSize            int      `toml:"batch_size"`
	CheckpointFile       string   `toml:"checkpoint_file"`
	CheckpointIndex      string   `toml:"checkpoint_index"`
	CheckpointInterval   duration `toml:"checkpoint_interval"`
	DisableCheckpointing bool     `toml:"disable_checkpointing"`
}

type TOMLServe struct {
	ListenAddress   string   `toml:"listen_address"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

type CLI struct {
	ConfigFile string `kong:"help='Path to the TOML config file',type='path',default='gzseek.toml',short='c'"`

	Debug   bool             `kong:"help='Enable debug output',short='d'"`
	Quiet   bool             `kong:"help='Disable showing pre/post output',short='q'"`
	Version kong.VersionFlag `help:"Show version and exit" short:"v" env:"-"`

	Index   IndexCmd   `kong:"cmd,help='Build a full index of a gzip file and save it'"`
	Extract ExtractCmd `kong:"cmd,help='Write a range of uncompressed bytes to stdout'"`
	Lines   LinesCmd   `kong:"cmd,help='Print lines starting at an uncompressed offset'"`
	Scan    ScanCmd    `kong:"cmd,help='Resumable pattern scan over all lines'"`
	Serve   ServeCmd   `kong:"cmd,help='Serve uncompressed content over HTTP with range support'"`

	// Internal bits
	Ctx *kong.Context `kong:"-"`
}

type IndexCmd struct {
	File   string `kong:"arg,help='gzip file',type='existingfile'"`
	Output string `kong:"help='Index output file (default: FILE + index suffix)',short='o'"`
}

type ExtractCmd struct {
	File   string `kong:"arg,help='gzip file',type='existingfile'"`
	Offset int64  `kong:"help='Uncompressed offset to start at',default='0'"`
	Length int64  `kong:"help='Number of bytes to write, negative for all',default='-1',short='l'"`
	Index  string `kong:"help='Saved index to use',short='i'"`
}

type LinesCmd struct {
	File   string `kong:"arg,help='gzip file',type='existingfile'"`
	Offset int64  `kong:"help='Uncompressed offset to start at',default='0'"`
	Count  int    `kong:"help='Number of lines to print, negative for all',default='10',short='n'"`
	Index  string `kong:"help='Saved index to use',short='i'"`
}

type ScanCmd struct {
	File          string `kong:"arg,help='gzip file',type='existingfile'"`
	Pattern       string `kong:"help='Regular expression to match lines against',required,short='p'"`
	DisableResume bool   `kong:"help='Disable resuming from checkpoint',short='R'"`
}

type ServeCmd struct {
	File   string `kong:"arg,help='gzip file',type='existingfile'"`
	Listen string `kong:"help='Listen address (overrides serve.listen_address)',short='l'"`
	Index  string `kong:"help='Saved index to use',short='i'"`
}

func NewConfig() (*Config, error) {
	// Attempt to load .env
	_ = godotenv.Load(".env")

	cli, err := readCLIArgs()
	if err != nil {
		return nil, errors.Wrap(err, "error parsing CLI args")
	}

	tomlConfig, err := readTOML(cli.ConfigFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	cfg := &Config{
		CLI:  cli,
		TOML: tomlConfig,
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Command returns the selected subcommand, e.g. "scan <file>".
func (c *Config) Command() string {
	if c == nil || c.CLI == nil || c.CLI.Ctx == nil {
		return ""
	}
	return c.CLI.Ctx.Command()
}

// LogLevel resolves the effective log level; --debug wins over the config file.
func (c *Config) LogLevel() logrus.Level {
	if c.CLI != nil && c.CLI.Debug {
		return logrus.DebugLevel
	}
	level, err := logrus.ParseLevel(c.TOML.Config.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// IndexFile returns the side-car index path used for file.
func (c *Config) IndexFile(file string) string {
	return file + c.TOML.Index.FileSuffix
}

func setTOMLDefaults(t *TOML) error {
	if t == nil {
		return errors.New("toml config cannot be nil")
	}

	if t.Config == nil {
		t.Config = &TOMLConfig{}
	}

	if t.Index == nil {
		t.Index = &TOMLIndex{}
	}

	if t.Scan == nil {
		t.Scan = &TOMLScan{}
	}

	if t.Serve == nil {
		t.Serve = &TOMLServe{}
	}

	// Set defaults for [config]
	if t.Config.LogLevel == "" {
		t.Config.LogLevel = DefaultLogLevel
	}

	// Set defaults for [index]
	if t.Index.Spacing == 0 {
		t.Index.Spacing = DefaultIndexSpacing
	}

	if t.Index.ReadAllBufSize == 0 {
		t.Index.ReadAllBufSize = DefaultReadAllBufSize
	}

	if t.Index.FileSuffix == "" {
		t.Index.FileSuffix = IndexFileSuffix
	}

	// Set defaults for [scan]
	if t.Scan.BatchSize == 0 {
		t.Scan.BatchSize = DefaultBatchSize
	}

	if t.Scan.NumWorkers == 0 {
		t.Scan.NumWorkers = DefaultNumWorkers
	}

	if t.Scan.CheckpointInterval == 0 {
		t.Scan.CheckpointInterval = DefaultCheckpointInterval
	}

	if t.Scan.CheckpointFile == "" {
		t.Scan.CheckpointFile = DefaultCheckpointFile
	}

	if t.Scan.CheckpointIndex == "" {
		t.Scan.CheckpointIndex = t.Scan.CheckpointFile + CheckpointIndexSuffix
	}

	// Set defaults for [serve]
	if t.Serve.ListenAddress == "" {
		t.Serve.ListenAddress = DefaultListenAddress
	}

	if t.Serve.ShutdownTimeout == 0 {
		t.Serve.ShutdownTimeout = DefaultShutdownTimeout
	}

	return nil
}

func Validate(c *Config) error {
	if c == nil {
		return errors.New("config cannot be nil")
	}

	if err := validateCLIArgs(c.CLI); err != nil {
		return errors.Wrap(err, "error validating CLI args")
	}

	if err := validateTOML(c.TOML); err != nil {
		return errors.Wrap(err, "error validating toml config")
	}

	return nil
}

func validateTOML(t *TOML) error {
	if t == nil {
		return errors.New("toml config cannot be nil")
	}

	// Validate [config]
	if err := validateTOMLConfig(t.Config); err != nil {
		return errors.Wrap(err, "config error(s)")
	}

	// Validate [index]
	if err := validateTOMLIndex(t.Index); err != nil {
		return errors.Wrap(err, "index error(s)")
	}

	// Validate [scan]
	if err := validateTOMLScan(t.Scan); err != nil {
		return errors.Wrap(err, "scan error(s)")
	}

	// Validate [serve]
	if err := validateTOMLServe(t.Serve); err != nil {
		return errors.Wrap(err, "serve error(s)")
	}

	return nil
}

func validateTOMLConfig(c *TOMLConfig) error {
	if c == nil {
		return errors.New("config cannot be empty")
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Errorf("config.log_level %s is invalid", c.LogLevel)
	}

	return nil
}

func validateTOMLIndex(i *TOMLIndex) error {
	if i == nil {
		return errors.New("index cannot be empty")
	}

	if i.Spacing < MinIndexSpacing || i.Spacing > MaxIndexSpacing {
		return errors.Errorf("index.spacing must be between %d and %d", MinIndexSpacing, MaxIndexSpacing)
	}

	if i.ReadAllBufSize < MinReadAllBufSize || i.ReadAllBufSize > MaxReadAllBufSize {
		return errors.Errorf("index.read_all_buf_size must be between %d and %d", MinReadAllBufSize, MaxReadAllBufSize)
	}

	if i.FileSuffix == "" {
		return errors.New("index.file_suffix cannot be empty")
	}

	return nil
}

func validateTOMLScan(s *TOMLScan) error {
	if s == nil {
		return errors.New("scan cannot be empty")
	}

	if s.BatchSize < MinBatchSize || s.BatchSize > MaxBatchSize {
		return errors.Errorf("scan.batch_size must be between %d and %d", MinBatchSize, MaxBatchSize)
	}

	if s.NumWorkers < MinNumWorkers || s.NumWorkers > MaxNumWorkers {
		return errors.Errorf("scan.num_workers must be between %d and %d", MinNumWorkers, MaxNumWorkers)
	}

	if s.CheckpointInterval < MinCheckpointInterval || s.CheckpointInterval > MaxCheckpointInterval {
		return errors.Errorf("scan.checkpoint_interval must be between %s and %s", MinCheckpointInterval, MaxCheckpointInterval)
	}

	if s.CheckpointFile == "" {
		return errors.New("scan.checkpoint_file cannot be empty")
	}

	if s.CheckpointIndex == "" {
		return errors.New("scan.checkpoint_index cannot be empty")
	}

	return nil
}

func validateTOMLServe(s *TOMLServe) error {
	if s == nil {
		return errors.New("serve cannot be empty")
	}

	if s.ListenAddress == "" {
		return errors.New("serve.listen_address cannot be empty")
	}

	if s.ShutdownTimeout < MinShutdownTimeout || s.ShutdownTimeout > MaxShutdownTimeout {
		return errors.Errorf("serve.shutdown_timeout must be between %s and %s", MinShutdownTimeout, MaxShutdownTimeout)
	}

	return nil
}

func readCLIArgs() (*CLI, error) {
	cli := &CLI{}
	cli.Ctx = kong.Parse(cli,
		kong.Name("gzseek"),
		kong.Description("Random access to gzip files"),
		kong.UsageOnError(),
		kong.DefaultEnvars(EnvVarPrefix),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		kong.Vars{
			"version": VERSION,
		})

	if err := validateCLIArgs(cli); err != nil {
		return nil, errors.Wrap(err, "error validating args")
	}

	return cli, nil
}

// readTOML loads file. A missing default config file is not an error; every
// setting then takes its default.
func readTOML(file string) (*TOML, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		if !os.IsNotExist(err) || file != DefaultConfigFile {
			return nil, errors.Wrap(err, "error reading file")
		}
		data = nil
	}

	return parseTOML(data)
}

func parseTOML(data []byte) (*TOML, error) {
	tomlConfig := &TOML{}

	if err := toml.Unmarshal(data, tomlConfig); err != nil {
		return nil, errors.Wrap(err, "error parsing TOML config")
	}

	// Set defaults
	if err := setTOMLDefaults(tomlConfig); err != nil {
		return nil, errors.Wrap(err, "error setting TOML defaults")
	}

	// Validate loaded config
	if err := validateTOML(tomlConfig); err != nil {
		return nil, errors.Wrap(err, "error validating TOML config")
	}

	return tomlConfig, nil
}

func validateCLIArgs(cli *CLI) error {
	if cli == nil {
		return errors.New("config cannot be nil")
	}

	if cli.Extract.Offset < 0 {
		return errors.New("--offset cannot be negative")
	}

	if cli.Lines.Offset < 0 {
		return errors.New("--offset cannot be negative")
	}

	return nil
}

type duration time.Duration

func (d duration) String() string {
	return time.Duration(d).String()
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(dur)
	return nil
}

// DefaultTOML returns a TOML config with every setting at its default.
func DefaultTOML() *TOML {
	t := &TOML{}
	_ = setTOMLDefaults(t)
	return t
}
