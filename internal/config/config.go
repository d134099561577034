// Package config loads loadsched's runtime configuration from command
// line flags bound through viper, the same cobra-plus-viper pairing the
// teacher's cmd/root.go uses. No environment variables or config file
// are read.
package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// PurgeMode controls what happens to a target table that already has
// rows before its data load begins.
type PurgeMode string

const (
	PurgeFail     PurgeMode = "FAIL"
	PurgeDrop     PurgeMode = "DROP"
	PurgeTruncate PurgeMode = "TRUNCATE"
	PurgeNone     PurgeMode = "NONE"
	PurgeSkip     PurgeMode = "SKIP"
)

// Config is the full set of options the dispatcher, scanner, and
// worker pools read. Field names track the spec's option names, not
// Go convention, where the two would otherwise read as unrelated
// (e.g. NoData for `no_data`).
type Config struct {
	DumpDir   string
	TargetDSN string

	Threads                    int
	MaxThreadsForSchemaCreation int
	MaxThreadsForIndexCreation  int
	MaxDecompressors            int64

	NoData    bool
	NoSchemas bool

	OverwriteTables bool
	PurgeMode       PurgeMode

	IgnoreErrors map[string]struct{}

	TableRefreshInterval int

	RedisURL string
	LogLevel string
}

// defaultParallelism mirrors the spec's auto-scaling rule: schema and
// index pools default to min(num_cores, 8) when not user-set.
func defaultParallelism() int {
	if n := runtime.NumCPU(); n < 8 {
		return n
	}
	return 8
}

// Defaults returns the configuration the spec's own numeric defaults
// describe, before flag overrides are applied.
func Defaults() *Config {
	threads := defaultParallelism()
	return &Config{
		Threads:                     threads,
		MaxThreadsForSchemaCreation: defaultParallelism(),
		MaxThreadsForIndexCreation:  defaultParallelism(),
		MaxDecompressors:            minInt64(int64(threads), 32),
		OverwriteTables:             true,
		PurgeMode:                   PurgeTruncate,
		IgnoreErrors:                make(map[string]struct{}),
		TableRefreshInterval:        1000,
		LogLevel:                    "info",
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// BindFlags registers every configuration option as a persistent flag
// on cmd and binds it through viper with BindPFlag, as the teacher's
// cmd/root.go does.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	d := Defaults()

	flags := cmd.PersistentFlags()
	flags.String("dump-dir", "", "directory containing the myloader-format dump")
	flags.String("target-dsn", "", "PostgreSQL connection string for the target database")
	flags.Int("threads", d.Threads, "number of data worker threads")
	flags.Int("max-threads-for-schema-creation", d.MaxThreadsForSchemaCreation, "number of schema worker threads")
	flags.Int("max-threads-for-index-creation", d.MaxThreadsForIndexCreation, "number of index/post-data worker threads")
	flags.Int64("max-decompressors", d.MaxDecompressors, "max concurrent decompression subprocesses")
	flags.Bool("no-data", false, "skip the data load phase (schema-only pass)")
	flags.Bool("no-schemas", false, "skip DDL execution, assume schemas already exist (data-only pass)")
	flags.Bool("overwrite-tables", d.OverwriteTables, "purge existing table contents before loading")
	flags.String("purge-mode", string(d.PurgeMode), "purge strategy: FAIL, DROP, TRUNCATE, NONE, SKIP")
	flags.StringSlice("ignore-errors", nil, "vendor SQLSTATE codes to treat as success")
	flags.Int("table-refresh-interval", d.TableRefreshInterval, "dispatches between forced table-list rescans")
	flags.String("redis-url", "", "optional redis://host:port URL for progress event publishing")
	flags.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")

	for _, name := range []string{
		"dump-dir", "target-dsn", "threads", "max-threads-for-schema-creation",
		"max-threads-for-index-creation", "max-decompressors", "no-data", "no-schemas",
		"overwrite-tables", "purge-mode", "ignore-errors", "table-refresh-interval",
		"redis-url", "log-level",
	} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
}

// Load resolves the final Config from the flags bound in viper,
// applying spec defaults for anything still unset.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Defaults()

	if dd := v.GetString("dump-dir"); dd != "" {
		cfg.DumpDir = dd
	}
	if cfg.DumpDir == "" {
		return nil, fmt.Errorf("config: --dump-dir is required")
	}

	cfg.TargetDSN = v.GetString("target-dsn")
	if cfg.TargetDSN == "" {
		return nil, fmt.Errorf("config: --target-dsn is required")
	}

	if v.IsSet("threads") {
		cfg.Threads = v.GetInt("threads")
	}
	if v.IsSet("max-threads-for-schema-creation") {
		cfg.MaxThreadsForSchemaCreation = v.GetInt("max-threads-for-schema-creation")
	}
	if v.IsSet("max-threads-for-index-creation") {
		cfg.MaxThreadsForIndexCreation = v.GetInt("max-threads-for-index-creation")
	}
	if v.IsSet("max-decompressors") {
		cfg.MaxDecompressors = v.GetInt64("max-decompressors")
	} else {
		cfg.MaxDecompressors = minInt64(int64(cfg.Threads), 32)
	}

	cfg.NoData = v.GetBool("no-data")
	cfg.NoSchemas = v.GetBool("no-schemas")
	cfg.OverwriteTables = v.GetBool("overwrite-tables")

	if pm := v.GetString("purge-mode"); pm != "" {
		mode := PurgeMode(pm)
		switch mode {
		case PurgeFail, PurgeDrop, PurgeTruncate, PurgeNone, PurgeSkip:
			cfg.PurgeMode = mode
		default:
			return nil, fmt.Errorf("config: invalid purge-mode %q", pm)
		}
	}

	for _, code := range v.GetStringSlice("ignore-errors") {
		cfg.IgnoreErrors[code] = struct{}{}
	}

	if v.IsSet("table-refresh-interval") {
		cfg.TableRefreshInterval = v.GetInt("table-refresh-interval")
	}

	cfg.RedisURL = v.GetString("redis-url")
	if ll := v.GetString("log-level"); ll != "" {
		cfg.LogLevel = ll
	}

	return cfg, nil
}
