package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/hdfsfake/pkg/fs"
	"github.com/jacktea/hdfsfake/pkg/hdfs"
	_ "github.com/jacktea/hdfsfake/pkg/localfs"
	"github.com/jacktea/hdfsfake/pkg/verify"
)

type app struct {
	log      *slog.Logger
	driver   fs.Driver
	ns       *hdfs.FileSystem
	verifier *verify.Verifier
	cleanup  func()
}

type backendConfig struct {
	Driver       string
	Root         string
	CacheDB      string
	CacheEntries int
	CacheTTL     time.Duration
	LogLevel     string
}

func configFromViper() backendConfig {
	return backendConfig{
		Driver:       viper.GetString("driver"),
		Root:         viper.GetString("root"),
		CacheDB:      viper.GetString("cache_db"),
		CacheEntries: viper.GetInt("cache_entries"),
		CacheTTL:     viper.GetDuration("cache_ttl"),
		LogLevel:     viper.GetString("log_level"),
	}
}

func (a *app) ensureBackend(ctx context.Context) error {
	if a.ns != nil {
		return nil
	}
	return a.open(ctx, configFromViper())
}

func (a *app) open(ctx context.Context, cfg backendConfig) error {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if cfg.Driver == "" {
		cfg.Driver = "local"
	}
	driver, err := fs.Open(ctx, cfg.Driver, map[string]any{"name": cfg.Driver})
	if err != nil {
		return fmt.Errorf("driver %q: %w", cfg.Driver, err)
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	if err := driver.CreateDir(ctx, root, fs.MkdirOptions{Parents: true}); err != nil {
		return fmt.Errorf("create root: %w", err)
	}
	ns, err := hdfs.New(driver, root, hdfs.Options{Logger: log})
	if err != nil {
		return fmt.Errorf("init namespace: %w", err)
	}

	var store verify.Store
	if cfg.CacheDB != "" {
		bolt, err := verify.NewBoltStore(verify.BoltConfig{Path: cfg.CacheDB})
		if err != nil {
			return fmt.Errorf("checksum cache: %w", err)
		}
		store = bolt
	}
	verifier := verify.New(ns, verify.Options{
		CacheEntries: cfg.CacheEntries,
		CacheTTL:     cfg.CacheTTL,
		Store:        store,
		Logger:       log,
	})

	a.log = log
	a.driver = driver
	a.ns = ns
	a.verifier = verifier
	a.cleanup = func() {
		if err := verifier.Close(); err != nil {
			log.Warn("close checksum cache", "err", err)
		}
	}
	log.Debug("namespace ready", "driver", driver.Name(), "root", root, "cache_db", cfg.CacheDB)
	return nil
}

func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "hdfsfake",
		Short:         "HDFS-compatible namespace over a local filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureBackend(cmd.Context())
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	application.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("hdfsfake")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "hdfsfake"))
		}
	}
	viper.SetEnvPrefix("HDFSFAKE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	rootCmd.PersistentFlags().String("root", ".hdfsfake/data", "physical directory the virtual namespace is rooted at")
	rootCmd.PersistentFlags().String("driver", "local", "backing driver: local|memory")
	rootCmd.PersistentFlags().String("cache-db", "", "bbolt file persisting computed checksums (empty keeps them in memory)")
	rootCmd.PersistentFlags().Int("cache-entries", 4096, "checksums kept in the in-memory cache")
	rootCmd.PersistentFlags().Duration("cache-ttl", 10*time.Minute, "lifetime of in-memory checksum entries")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug|info|warn|error")

	bindConfig("root", rootCmd.PersistentFlags().Lookup("root"))
	bindConfig("driver", rootCmd.PersistentFlags().Lookup("driver"))
	bindConfig("cache_db", rootCmd.PersistentFlags().Lookup("cache-db"))
	bindConfig("cache_entries", rootCmd.PersistentFlags().Lookup("cache-entries"))
	bindConfig("cache_ttl", rootCmd.PersistentFlags().Lookup("cache-ttl"))
	bindConfig("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initCommands() {
	rootCmd.AddCommand(
		newLsCmd(),
		newStatCmd(),
		newMkdirCmd(),
		newPutCmd(),
		newAppendCmd(),
		newCatCmd(),
		newMvCmd(),
		newRmCmd(),
		newChecksumCmd(),
		newChecksumLocalCmd(),
		newServeWebHDFSCmd(),
		newServeS3Cmd(),
		newServeNFSCmd(),
		newMountFuseCmd(),
	)
}
