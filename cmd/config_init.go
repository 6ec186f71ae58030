package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/turfline/racedata-cli/internal/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config.yaml populated with defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		const path = "config.yaml"
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return eris.Errorf("%s already exists (use --force to overwrite)", path)
		}

		v := viper.New()
		config.SetDefaults(v)
		var defaults config.Config
		if err := v.Unmarshal(&defaults); err != nil {
			return eris.Wrap(err, "build default config")
		}

		data, err := yaml.Marshal(&defaults)
		if err != nil {
			return eris.Wrap(err, "marshal default config")
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return eris.Wrapf(err, "write %s", path)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config.yaml")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
