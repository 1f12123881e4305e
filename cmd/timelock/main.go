package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "timelock",
		Short: "clustered timestamp and lock authority",
		Long: "timelock runs a small cluster of peer nodes that jointly hand out a\n" +
			"globally monotonic timestamp counter and mutual-exclusion locks,\n" +
			"served by a single elected leader with automatic failover.",
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	return root
}

// binds the command's flags into viper so every option can also come
// from TIMELOCK_* environment variables or an optional config file
func bindFlags(cmd *cobra.Command) error {
	viper.SetEnvPrefix("TIMELOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}
	return nil
}
