package cli

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lazypower/strata/internal/client"
	"github.com/lazypower/strata/internal/config"
)

var (
	flagConfig     string
	flagServer     string
	flagCollection string
	flagJSON       bool
)

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Versioned compression of conversation logs",
	Long: "Strata keeps append-only conversation logs intact and tracks compressed derivatives of them,\n" +
		"part by part, so any version can be rebuilt, replaced, or composed with others under a token budget.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Interrupts cancel the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default $XDG_CONFIG_HOME/strata/config.toml)")
	pf.StringVar(&flagServer, "server", "", "server URL (default STRATA_URL or the configured bind address)")
	pf.StringVarP(&flagCollection, "collection", "c", "default", "collection name")
	pf.BoolVar(&flagJSON, "json", false, "print JSON instead of tables")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(unregisterCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(recompressCmd)
	rootCmd.AddCommand(derivativesCmd)
	rootCmd.AddCommand(composeCmd)
	rootCmd.AddCommand(pinsCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(verifyCmd)
}

func loadConfig() (config.Config, error) {
	if flagConfig != "" {
		return config.LoadFile(flagConfig)
	}
	return config.Load()
}

// newClient returns a client for the running server.
func newClient() (*client.Client, error) {
	if flagServer != "" {
		return client.New(flagServer), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.ServerURL()), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
