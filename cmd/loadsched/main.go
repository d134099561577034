// Command loadsched restores a myloader-format logical dump into
// PostgreSQL, dispatching schema, data, and index work across bounded
// worker pools while a dump that large single-threaded restore would
// take hours to apply sequentially.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loadsched/loadsched/internal/config"
	"github.com/loadsched/loadsched/internal/dbconn"
	"github.com/loadsched/loadsched/internal/decompress"
	"github.com/loadsched/loadsched/internal/dispatcher"
	"github.com/loadsched/loadsched/internal/logging"
	"github.com/loadsched/loadsched/internal/progress"
	"github.com/loadsched/loadsched/internal/queue"
	"github.com/loadsched/loadsched/internal/redis"
	"github.com/loadsched/loadsched/internal/registry"
	"github.com/loadsched/loadsched/internal/restoreerr"
	"github.com/loadsched/loadsched/internal/retry"
	"github.com/loadsched/loadsched/internal/scanner"
	"github.com/loadsched/loadsched/internal/schema"
	"github.com/loadsched/loadsched/internal/worker"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	log := logging.NewLoggerWithName("loadsched")

	v := viper.New()
	root := &cobra.Command{
		Use:     "loadsched",
		Short:   "Concurrent restore dispatcher for myloader-format PostgreSQL dumps",
		Version: fmt.Sprintf("%s (build %s, commit %s)", version, buildTime, gitCommit),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, log)
		},
	}
	config.BindFlags(root, v)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatal("%v", err)
	}
}

// run wires every package built for this restore into one dispatcher
// and runs it to completion, propagating the run's ignore_errors set
// into error classification and its redis-url (if any) into the
// progress bus's external publisher.
func run(ctx context.Context, v *viper.Viper, log *logging.Logger) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	records, err := scanner.Scan(cfg.DumpDir)
	if err != nil {
		return fmt.Errorf("loadsched: scan dump dir: %w", err)
	}
	log.Info("scanned %d recognized dump files from %s", len(records), cfg.DumpDir)

	scratchDir, err := os.MkdirTemp("", "loadsched-decompress-*")
	if err != nil {
		return fmt.Errorf("loadsched: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	classifier := restoreerr.NewClassifierWithIgnoreSet(256, cfg.IgnoreErrors)
	runner := worker.NewRunner(classifier, retry.Default(), decompress.New(cfg.MaxDecompressors, scratchDir))

	connFactory := func(ctx context.Context, role worker.Role) (dbconn.DBConn, error) {
		conn, err := dbconn.Dial(ctx, cfg.TargetDSN, classifier)
		if err != nil {
			return nil, fmt.Errorf("loadsched: dial for %s worker: %w", role, err)
		}
		if err := conn.SetSessionIsolation(ctx, dbconn.ReadCommitted); err != nil {
			conn.Close()
			return nil, fmt.Errorf("loadsched: set isolation for %s worker: %w", role, err)
		}
		return conn, nil
	}

	reg := registry.New()
	ready := queue.New()
	reg.SetReadyNotifier(ready)
	pipeline := schema.New(reg, 256)

	bus := progress.New(false)
	progress.NewReporter(bus, false)

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("loadsched: redis: %w", err)
	}
	defer redisClient.Close()
	if redisClient.IsEnabled() {
		progress.NewRedisPublisher(bus, redisClient, "loadsched:progress")
	}

	d := dispatcher.New(reg, ready, pipeline, runner, connFactory, bus, cfg)
	d.Enqueue(ctx, records)
	pipeline.Close()

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("loadsched: restore failed: %w", err)
	}

	log.Info("restore complete")
	return nil
}

// newRedisClient builds a disabled client when rawURL is empty, the
// same "usable no-op" shape internal/redis.NewClient returns for
// cfg.Enabled == false.
func newRedisClient(rawURL string) (*redis.Client, error) {
	if rawURL == "" {
		return redis.NewClient(&redis.Config{Enabled: false})
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis-url: %w", err)
	}

	port := 6379
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	db := 0
	if path := u.Path; len(path) > 1 {
		if n, err := strconv.Atoi(path[1:]); err == nil {
			db = n
		}
	}

	password := ""
	if u.User != nil {
		password, _ = u.User.Password()
	}

	return redis.NewClient(&redis.Config{
		Enabled:  true,
		Host:     u.Hostname(),
		Port:     port,
		Password: password,
		DB:       db,
	})
}
