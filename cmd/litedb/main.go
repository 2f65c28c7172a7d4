package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edirooss/litedb/internal/config"
	"github.com/edirooss/litedb/internal/predicates"
	"github.com/edirooss/litedb/internal/replicate"
	"github.com/edirooss/litedb/internal/revstore"
)

// Usage:
//
//	litedb serve   -db=<dir> [-predicates=<file>]
//	litedb pull    -db=<dir> -remote=<url> [-continuous] [-filter=<name>] [-param=k=v ...]
//	litedb push    -db=<dir> -remote=<url> [-continuous]
func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, log, os.Args[2:])
	case "pull":
		err = runReplicate(ctx, log, replicate.Pull, os.Args[2:])
	case "push":
		err = runReplicate(ctx, log, replicate.Push, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal("exit", zap.Error(err))
	}
}

func usage() {
	fmt.Println("Usage: litedb <serve|pull|push> [flags]")
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	return zap.Must(logConfig.Build())
}

// runServe opens a database directory and, if -predicates names a file,
// registers the validation predicates it defines on the store. The file
// stays watched until ctx is cancelled, but later edits only reload the
// predicate registry; the store keeps the validators registered at startup.
// There is no network listener here: HTTP routing is external glue this
// command does not provide.
func runServe(ctx context.Context, log *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbDir := fs.String("db", "", "database directory")
	predicatesPath := fs.String("predicates", "", "JSON predicate config file (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbDir == "" {
		return fmt.Errorf("serve: -db is required")
	}

	store, err := revstore.Open(log, *dbDir, revstore.Options{})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if *predicatesPath != "" {
		reg := predicates.NewRegistry()
		if _, err := predicates.StartWatcher(ctx, log, reg, *predicatesPath, 0); err != nil {
			return fmt.Errorf("start predicate watcher: %w", err)
		}
		for _, v := range reg.Validators() {
			store.RegisterValidation(v)
		}
	}

	log.Info("serving", zap.String("db", *dbDir), zap.Int64("last_seq", store.LastSequence()))
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// runReplicate drives one pull or push replication session against a remote
// peer, continuous or one-shot depending on -continuous.
func runReplicate(ctx context.Context, log *zap.Logger, dir replicate.Direction, args []string) error {
	fs := flag.NewFlagSet(string(dir), flag.ExitOnError)
	dbDir := fs.String("db", "", "database directory")
	remote := fs.String("remote", "", "remote database URL")
	filterName := fs.String("filter", "", "filter predicate name (resolved remotely for pull, against -predicates locally for push)")
	predicatesPath := fs.String("predicates", "", "JSON predicate config file, used to resolve -filter for push (optional)")
	continuous := fs.Bool("continuous", false, "keep replicating as new revisions arrive")
	batchSize := fs.Int("batch", 0, "replication batch size (0 = default)")
	fanOut := fs.Int("fanout", 0, "concurrent revision transfers (0 = default)")
	username := fs.String("user", "", "basic auth username")
	password := fs.String("pass", "", "basic auth password")
	var params stringMapFlag
	fs.Var(&params, "param", "filter parameter k=v (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbDir == "" || *remote == "" {
		return fmt.Errorf("%s: -db and -remote are required", dir)
	}

	store, err := revstore.Open(log, *dbDir, revstore.Options{})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var filters *predicates.Registry
	if *predicatesPath != "" {
		filters = predicates.NewRegistry()
		if _, err := predicates.StartWatcher(ctx, log, filters, *predicatesPath, 0); err != nil {
			return fmt.Errorf("start predicate watcher: %w", err)
		}
	}

	cfg, err := config.NewConfig(config.Config{
		DBName:              *dbDir,
		ReplicatorBatchSize: *batchSize,
		ReplicatorFanOut:    *fanOut,
		Continuous:          *continuous,
	})
	if err != nil {
		return fmt.Errorf("build config: %w", err)
	}

	var auth replicate.Authorizer
	if *username != "" {
		auth = &replicate.BasicAuthorizer{Username: *username, Password: *password}
	}

	rep, err := replicate.New(log, store, *dbDir, replicate.Options{
		Direction:    dir,
		RemoteURL:    *remote,
		FilterName:   *filterName,
		FilterParams: params,
		Filters:      filters,
		Authorizer:   auth,
		Config:       cfg,
	})
	if err != nil {
		return fmt.Errorf("build replicator: %w", err)
	}

	log.Info("replicating",
		zap.String("direction", string(dir)),
		zap.String("remote", *remote),
		zap.String("replication_id", rep.ReplicationID()),
		zap.Bool("continuous", *continuous),
	)

	start := time.Now()
	if err := rep.Run(ctx); err != nil {
		return fmt.Errorf("replication: %w", err)
	}
	log.Info("replication finished", zap.Duration("took", time.Since(start)))
	return nil
}

// stringMapFlag collects repeated -param=k=v flags into a map.
type stringMapFlag map[string]string

func (m *stringMapFlag) String() string {
	return fmt.Sprintf("%v", map[string]string(*m))
}

func (m *stringMapFlag) Set(s string) error {
	if *m == nil {
		*m = make(stringMapFlag)
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			(*m)[s[:i]] = s[i+1:]
			return nil
		}
	}
	return fmt.Errorf("invalid -param %q: expected k=v", s)
}
