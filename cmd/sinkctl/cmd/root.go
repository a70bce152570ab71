package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_sink/internal/config"
	"github.com/austindbirch/harbor_sink/internal/logging"
)

// app holds what the subcommands share. Each root command owns its own viper
// instance so the tree can be rebuilt in tests.
type app struct {
	v          *viper.Viper
	cfgFile    string
	outputJSON bool
	verbose    bool
}

// Execute builds the command tree and runs it against os.Args. SIGINT
// interrupts a send that is backing off.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "sinkctl",
		Short: "Harbor Sink CLI - deliver bodies to the configured HTTP sink",
		Long: `sinkctl sends request bodies to the configured HTTP endpoint with the same
retry, routing and authentication rules as the sink worker.

Settings come from flags, then environment variables
(HTTP_URL, MAX_RETRIES, OAUTH2_CLIENT_ID, ...), then the config file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.sinkctl.yaml)")
	flags.BoolVar(&a.outputJSON, "json", false, "output in JSON format")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log every attempt to stderr")
	flags.String("url", "", "insert URL (HTTP_URL)")
	flags.String("update-url", "", "update URL (HTTP_UPDATE_URL)")
	flags.String("auth-type", "", "none, static or oauth2 (HTTP_AUTHORIZATION_TYPE)")
	flags.String("max-retries", "", "retries after the first attempt (MAX_RETRIES)")
	flags.String("retry-backoff-ms", "", "fixed delay between attempts (RETRY_BACKOFF_MS)")

	// Bind flags to viper under the environment key names
	_ = a.v.BindPFlag("http_url", flags.Lookup("url"))
	_ = a.v.BindPFlag("http_update_url", flags.Lookup("update-url"))
	_ = a.v.BindPFlag("http_authorization_type", flags.Lookup("auth-type"))
	_ = a.v.BindPFlag("max_retries", flags.Lookup("max-retries"))
	_ = a.v.BindPFlag("retry_backoff_ms", flags.Lookup("retry-backoff-ms"))

	rootCmd.AddCommand(
		newSendCmd(a),
		newEnqueueCmd(a),
		newDeliveriesCmd(a),
		newConfigCmd(a),
		newVersionCmd(a),
	)
	return rootCmd
}

// initConfig reads in config file and ENV variables if set.
func (a *app) initConfig(cmd *cobra.Command) error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home)
		a.v.SetConfigType("yaml")
		a.v.SetConfigName(".sinkctl")
	}

	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err == nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Using config file:", a.v.ConfigFileUsed())
	} else if a.cfgFile != "" {
		return fmt.Errorf("read config %s: %w", a.cfgFile, err)
	}
	return nil
}

// sinkConfig resolves the sink settings from viper using the same keys as
// the worker's environment.
func (a *app) sinkConfig() config.Sink {
	return config.SinkFrom(func(key string) string {
		return a.v.GetString(strings.ToLower(key))
	})
}

func (a *app) logger(w io.Writer) *logging.Logger {
	level := logging.LevelWarn
	if a.verbose {
		level = logging.LevelDebug
	}
	return logging.New("sinkctl").WithOutput(w, level)
}

func (a *app) printOutput(w io.Writer, v any) {
	if a.outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	switch t := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(t) {
			fmt.Fprintf(w, "%s: %v\n", k, t[k])
		}
	default:
		fmt.Fprintf(w, "%v\n", v)
	}
}
