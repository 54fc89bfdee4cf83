package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sjq4/agent/internal/log"
	"github.com/sjq4/agent/internal/service"
)

var (
	settings service.Settings

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

// exitCode makes main exit with a given code instead of 1.
type exitCode int

func (c exitCode) Error() string {
	return fmt.Sprintf("exit code %d", int(c))
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+service.DefaultConfigPath())
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	runCmd.Flags().String("listen", "", "address to listen on - default is agent.port on all interfaces")
	runCmd.Flags().Duration("reload-each", service.DefaultReloadEach, "how often the config file is checked for changes")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse settings, setup logging
	rootCmd.PersistentPreRunE = initAgent

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(scriptCmd)
	rootCmd.AddCommand(toolsCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		slog.Error("sjqagent failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "sjqagent",
	Short:        "Task execution agent of the SJQ job queue",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the agent and serves the coordinator until interrupted",
	RunE:  doRun,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the capacity descriptor the agent reports to the coordinator",
	RunE:  doConfig,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a sjqagent",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("sjqagent: version info not available")
			return
		}

		fmt.Printf("config:   %s\n", settings.Config)
		fmt.Printf("sjqagent: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("sjqagent",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	agent, err := service.NewAgent(ctx, settings)
	if err != nil {
		return err
	}
	// --verbose has a precedence over config file
	if agent.Store().Config().Agent.Verbose && !settings.Verbose {
		slog.SetDefault(log.New(os.Stderr, true))
	}
	return agent.Do(ctx)
}

func doConfig(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := service.OpenStore(ctx, settings.Config)
	if err != nil {
		return err
	}
	host, err := os.Hostname()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(store.Config().Client(host)); err != nil {
		return err
	}
	return enc.Close()
}

func initAgent(cmd *cobra.Command, _ []string) error {
	viper.SetEnvPrefix("SJQ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for key, flag := range map[string]string{
		"config":      "config",
		"verbose":     "verbose",
		"listen":      "listen",
		"reload_each": "reload-each",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := viper.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	for _, key := range []string{"config", "verbose", "listen", "reload_each", "script_host"} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	var err error
	settings, err = service.ParseSettings("")
	if err != nil {
		return fmt.Errorf("parsing settings: %w", err)
	}

	slog.SetDefault(log.New(os.Stderr, settings.Verbose))
	slog.Debug("sjqagent settings", "settings", settings)
	return nil
}
