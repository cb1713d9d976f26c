package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/eliteoms/oms/internal/config"
	"github.com/eliteoms/oms/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create or inspect oms.toml",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a starter oms.toml with every setting at its default",
	Annotations: map[string]string{annotationSkipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := defaultConfigPath()

		c := config.Default()
		if url, _ := cmd.Flags().GetString("remote-url"); url != "" {
			c.Remote.URL = url
		}
		if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
			c.Remote.Driver = driver
		}
		if err := c.Validate(); err != nil {
			return err
		}
		if err := c.WriteFile(path, force); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			return err
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		if c.Remote.Driver == config.DriverLibSQL && c.Remote.URL == "" {
			fmt.Printf("   Set remote.url (or OMS_REMOTE_URL) before running 'omssync daemon'\n")
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging oms.toml, OMS_* environment
variables and defaults. The auth token is masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.File != "" {
			fmt.Printf("# loaded from %s\n", cfg.File)
		} else {
			fmt.Println("# no config file found, showing defaults and environment")
		}
		return cfg.Redacted().Encode(os.Stdout)
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configInitCmd.Flags().String("remote-url", "", "Remote database url to write")
	configInitCmd.Flags().String("driver", "", "Remote driver to write (libsql or memory)")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
