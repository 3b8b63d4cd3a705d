package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultResourceID   = "tinyrm"
	defaultDSN          = "tinyrm.db"
	defaultUndoLogTable = "undo_log"
	defaultRegistryPath = "tinyrm-registry"
	defaultLogLevel     = "info"
)

// Config is the configuration of a resource manager.
type Config struct {
	// ResourceID names the data source when registering branches.
	ResourceID string `toml:"resource-id" json:"resource-id"`
	// DSN of the SQLite database holding the business tables and the undo log table.
	DSN          string `toml:"dsn" json:"dsn"`
	UndoLogTable string `toml:"undo-log-table" json:"undo-log-table"`
	// RegistryPath is the directory of the branch registry.
	RegistryPath string `toml:"registry-path" json:"registry-path"`

	Log log.Config `toml:"log" json:"log"`

	// WarningMsgs are messages found while parsing the file, to be logged once the logger is set up.
	WarningMsgs []string `toml:"-" json:"-"`

	logger   *zap.Logger
	logProps *log.ZapProperties
}

func getLogLevel() string {
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		return l
	}
	return defaultLogLevel
}

func NewDefaultConfig() *Config {
	c := &Config{
		ResourceID:   defaultResourceID,
		DSN:          defaultDSN,
		UndoLogTable: defaultUndoLogTable,
		RegistryPath: defaultRegistryPath,
	}
	c.Log.Level = getLogLevel()
	return c
}

// NewTestConfig returns a configuration over an in-memory database, with the registry under dir.
func NewTestConfig(dir string) *Config {
	c := NewDefaultConfig()
	c.DSN = ":memory:"
	c.RegistryPath = filepath.Join(dir, "registry")
	return c
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

// Parse loads the configuration file at path over c. Keys the file defines that c does not know are kept as
// warnings.
func (c *Config) Parse(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.WithStack(err)
	}
	return c.Adjust(&meta)
}

// Adjust fills in defaults for what the configuration leaves unset.
func (c *Config) Adjust(meta *toml.MetaData) error {
	if meta != nil {
		for _, key := range meta.Undecoded() {
			c.WarningMsgs = append(c.WarningMsgs, "config contains undefined item: "+key.String())
		}
	}
	adjustString(&c.ResourceID, defaultResourceID)
	adjustString(&c.DSN, defaultDSN)
	adjustString(&c.UndoLogTable, defaultUndoLogTable)
	adjustString(&c.RegistryPath, defaultRegistryPath)
	adjustString(&c.Log.Level, getLogLevel())
	return c.Validate()
}

func (c *Config) Validate() error {
	if c.ResourceID == "" {
		return errors.New("resource-id must not be empty")
	}
	if c.DSN == "" {
		return errors.New("dsn must not be empty")
	}
	if c.UndoLogTable == "" {
		return errors.New("undo-log-table must not be empty")
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return errors.Annotatef(err, "log level %q", c.Log.Level)
	}
	return nil
}

func (c *Config) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		return "<nil>"
	}
	return string(data)
}

// SetupLogger builds the logger described by the log section and makes it the global one.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Trace(err)
	}
	c.logger = lg
	c.logProps = p
	log.ReplaceGlobals(lg, p)
	for _, msg := range c.WarningMsgs {
		log.Warn(msg)
	}
	return nil
}

func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

func (c *Config) GetZapLogProperties() *log.ZapProperties {
	return c.logProps
}
