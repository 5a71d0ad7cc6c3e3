// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package config holds the command line and INI configuration shared by the
// lfkv programs, and turns it into a core.Config.
//
// Options are parsed from an optional INI file, then environment bindings,
// then explicit flags, each overriding the previous:
//
//	var cfg struct {
//	    Log   config.LogConfig   `group:"Logging" namespace:"log" env-namespace:"LOG"`
//	    Store config.StoreConfig `group:"Store" namespace:"store" env-namespace:"STORE"`
//	}
//	parser := flags.NewParser(&cfg, flags.Default)
//	config.MustParseConfig(parser, "lfkv.ini")
//	config.MustInitLog(cfg.Log)
//	coreCfg, err := cfg.Store.Build(afero.NewOsFs())
//
// # Dangers and Warnings
//
//   - **Empty Dir**: an empty StoreConfig.Dir keeps log pages and checkpoints
//     in memory; nothing survives the process.
//   - **Bolt Files**: a bolt checkpoint file holds an exclusive lock, so two
//     stores cannot share one.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/kianostad/lfkv/internal/checkpoint"
	"github.com/kianostad/lfkv/internal/core"
	"github.com/kianostad/lfkv/internal/storage/hlog"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"warn" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// InitLog configures the logger.
func InitLog(cfg LogConfig) error {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	lvl, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return errors.Wrap(err, "unrecognized log level")
	}
	log.SetLevel(lvl)
	return nil
}

// MustInitLog is InitLog which exits on error.
func MustInitLog(cfg LogConfig) {
	if err := InitLog(cfg); err != nil {
		log.WithField("err", err).Fatal("configuring logging")
	}
}

// StoreConfig mirrors core.Config as flags.
type StoreConfig struct {
	Dir                 string        `long:"dir" env:"DIR" description:"Directory for log pages and checkpoints. Empty keeps everything in memory"`
	Checkpoints         string        `long:"checkpoints" env:"CHECKPOINTS" default:"dir" choice:"dir" choice:"bolt" description:"Checkpoint metadata backend"`
	PageSizeBits        uint          `long:"page-size-bits" env:"PAGE_SIZE_BITS" default:"12" description:"Log2 of the number of records per log page"`
	MemoryPages         int           `long:"memory-pages" env:"MEMORY_PAGES" default:"16" description:"Number of log pages kept in memory"`
	MutablePages        int           `long:"mutable-pages" env:"MUTABLE_PAGES" default:"12" description:"Number of in-memory pages updated in place"`
	IndexBuckets        uint64        `long:"index-buckets" env:"INDEX_BUCKETS" default:"65536" description:"Number of hash index buckets, a power of two"`
	MaxSessions         int           `long:"max-sessions" env:"MAX_SESSIONS" default:"128" description:"Maximum number of concurrently open sessions"`
	RelaxedCPR          bool          `long:"relaxed-cpr" env:"RELAXED_CPR" description:"Trade exact commit points for less latching during checkpoints"`
	AllocationTimeout   time.Duration `long:"allocation-timeout" env:"ALLOCATION_TIMEOUT" default:"10s" description:"How long an operation waits for log space"`
	MaintenanceInterval time.Duration `long:"maintenance-interval" env:"MAINTENANCE_INTERVAL" default:"0s" description:"Interval of background checkpoints and compaction. Zero disables them"`
	SnapshotCheckpoints bool          `long:"snapshot-checkpoints" env:"SNAPSHOT_CHECKPOINTS" description:"Take snapshot instead of fold-over checkpoints in the background"`
	CompactionLag       uint64        `long:"compaction-lag" env:"COMPACTION_LAG" default:"0" description:"Compact once the read-only region exceeds this many addresses. Zero disables compaction"`
}

// Build returns the core.Config described by c. Log pages and checkpoints
// live under c.Dir on fs, or in memory when c.Dir is empty.
func (c StoreConfig) Build(fs afero.Fs) (core.Config, error) {
	cfg := core.Config{
		PageSizeBits:        c.PageSizeBits,
		MemoryPages:         c.MemoryPages,
		MutablePages:        c.MutablePages,
		IndexBuckets:        c.IndexBuckets,
		MaxSessions:         c.MaxSessions,
		RelaxedCPR:          c.RelaxedCPR,
		AllocationTimeout:   c.AllocationTimeout,
		MaintenanceInterval: c.MaintenanceInterval,
		SnapshotCheckpoints: c.SnapshotCheckpoints,
		CompactionLag:       c.CompactionLag,
	}
	if c.MutablePages > c.MemoryPages {
		return cfg, errors.Errorf("mutable pages (%d) exceed memory pages (%d)", c.MutablePages, c.MemoryPages)
	}
	if c.Dir == "" {
		return cfg, nil
	}

	dev, err := hlog.NewFileDevice(fs, filepath.Join(c.Dir, "log"))
	if err != nil {
		return cfg, err
	}
	cfg.Device = dev

	switch c.Checkpoints {
	case "bolt":
		// bbolt opens files through the OS, not fs.
		if err := os.MkdirAll(c.Dir, 0o755); err != nil {
			return cfg, errors.Wrapf(err, "creating %s", c.Dir)
		}
		cfg.Checkpoints, err = checkpoint.NewBoltManager(filepath.Join(c.Dir, "checkpoints.db"))
	case "dir", "":
		cfg.Checkpoints, err = checkpoint.NewDirManager(fs, filepath.Join(c.Dir, "checkpoints"))
	default:
		err = errors.Errorf("unknown checkpoint backend %q", c.Checkpoints)
	}
	return cfg, err
}

// ParseConfig parses an optional INI document followed by args. Unknown
// INI options are ignored.
func ParseConfig(parser *flags.Parser, ini io.Reader, args []string) ([]string, error) {
	if ini != nil {
		orig := parser.Options
		parser.Options |= flags.IgnoreUnknown
		err := flags.NewIniParser(parser).Parse(ini)
		parser.Options = orig
		if err != nil {
			return nil, errors.Wrap(err, "parsing INI configuration")
		}
	}
	return parser.ParseArgs(args)
}

// MustParseConfig requires that the Parser parse from the combination of an
// optional INI file, configured environment bindings, and explicit flags.
// An INI file matching configName is searched for in the current working
// directory and then ~/.config/lfkv.
func MustParseConfig(parser *flags.Parser, configName string) []string {
	var ini io.Reader
	for _, prefix := range []string{".", filepath.Join(os.Getenv("HOME"), ".config", "lfkv")} {
		f, err := os.Open(filepath.Join(prefix, configName)) // #nosec G304
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		ini = f
		break
	}

	rest, err := ParseConfig(parser, ini, os.Args[1:])
	if err == nil {
		return rest
	}
	var flagErr *flags.Error
	if !errors.As(err, &flagErr) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// A problem with the configuration struct itself.
		panic(err)
	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 {
			parser.WriteHelp(os.Stderr)
		}
		os.Exit(0)
	default:
		if parser.Options&flags.PrintErrors == 0 {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
	return nil
}
