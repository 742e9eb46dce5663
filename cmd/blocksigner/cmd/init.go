package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	signerconfig "github.com/onenameio/blockstore/config"
	"github.com/onenameio/blockstore/node"
)

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the signer home directory with a config file and a new member key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(config.ConfigFile); err == nil {
				return fmt.Errorf("config file already exists at %s", config.ConfigFile)
			}

			flags := cmd.Flags()
			anchorAddr, _ := flags.GetString("anchor")
			oracleAddr, _ := flags.GetString("oracle")
			cycleLength, _ := flags.GetUint64("cycle-length")
			prepareOffset, _ := flags.GetUint64("prepare-offset")
			debugAddr, _ := flags.GetString("debug-addr")

			cfg := signerconfig.Config{
				AnchorAddr:        anchorAddr,
				OracleAddr:        oracleAddr,
				RewardCycleLength: cycleLength,
				PrepareOffset:     prepareOffset,
				DebugAddr:         debugAddr,
			}
			if err := cfg.ValidateSignerConfig(); err != nil {
				return err
			}

			config.Config = cfg
			if err := config.WriteConfigFile(); err != nil {
				return err
			}
			if err := os.MkdirAll(config.StateDir, 0700); err != nil {
				return err
			}

			key := node.GenFileKey(config.KeyFilePath())
			if err := key.Save(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote config to %s\n", config.ConfigFile)
			fmt.Fprintf(cmd.OutOrStdout(), "Generated member key %s at %s\n",
				key.PubKey.String(), config.KeyFilePath())
			return nil
		},
	}

	cmd.Flags().String("anchor", "", "anchor-chain node address (host:port)")
	cmd.Flags().String("oracle", "", "block validation endpoint address (host:port)")
	cmd.Flags().Uint64("cycle-length", 2100, "reward cycle length in burn blocks")
	cmd.Flags().Uint64("prepare-offset", 100, "prepare phase offset in burn blocks")
	cmd.Flags().String("debug-addr", "", "prometheus metrics listen address (optional)")
	_ = cmd.MarkFlagRequired("anchor")
	_ = cmd.MarkFlagRequired("oracle")

	return cmd
}
