package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/Bosun/internal/log"
	"github.com/CZERTAINLY/Bosun/internal/model"
)

var (
	userConfigPath string // /default/config/path/bosun on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "bosun")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is bosun.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initBosun

	serveCmd.Flags().String("addr", "", "listen address, overrides server.addr")
	launchCmd.Flags().String("container-mode", "", "docker, singularity or native")
	launchCmd.Flags().String("output-dir", "", "working directory of the tool")
	launchCmd.Flags().Int("parallel", 1, "number of invocations running at once")
	historyCmd.Flags().Bool("json", false, "print records as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	var exit exitCodeError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	if err != nil {
		slog.Error("bosun failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "bosun",
	Short:        "Launches bosh tools, streams their output and keeps an execution history",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a bosun",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("bosun: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("bosun:  %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initBosun(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("BOSUNCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "bosun.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "bosun.yaml")
		if err := writeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		config = *cfg
	}

	// environment and flags have a precedence over config file
	if err := applyOverrides(&config, cmd); err != nil {
		return err
	}

	slog.SetDefault(log.New(config.Service))

	slog.Debug("bosun run", "configPath", configPath)
	slog.Debug("bosun run", "config", config)
	return nil
}

func loadConfig(path string) (*model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func writeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

// applyOverrides applies BOSUN_* environment variables (BOSUN_SERVER_ADDR
// for server.addr) and command flags to cfg.
func applyOverrides(cfg *model.Config, cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix("BOSUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if f := cmd.Flags().Lookup("addr"); f != nil {
		if err := v.BindPFlag("server.addr", f); err != nil {
			return err
		}
	}

	for key, dst := range map[string]*string{
		"service.log_format": &cfg.Service.LogFormat,
		"server.addr":        &cfg.Server.Addr,
		"bosh.path":          &cfg.Bosh.Path,
		"bosh.descriptors":   &cfg.Bosh.Descriptors,
		"bosh.workdir":       &cfg.Bosh.Workdir,
		"history.driver":     &cfg.History.Driver,
		"history.path":       &cfg.History.Path,
		"history.dsn":        &cfg.History.DSN,
	} {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	if v.IsSet("service.verbose") {
		cfg.Service.Verbose = v.GetBool("service.verbose")
	}
	if flagVerbose {
		cfg.Service.Verbose = true
	}
	return cfg.Validate()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// exitCodeError makes main exit with code without logging an error.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
