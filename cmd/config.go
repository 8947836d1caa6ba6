package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/audiolibrelab/callscribe/internal/config"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage CallScribe configuration settings and profiles.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

var configProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List configuration profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := config.ProfileNames(cfgFile)
		if err != nil {
			return err
		}
		for _, name := range names {
			marker := " "
			if cfg.Inheritance != nil && cfg.Inheritance.Profile == name {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, name)
		}
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use <profile>",
	Short: "Set the active configuration profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UpdateActiveConfig(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("Active profile: %s\n", args[0])
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "nano"
		}

		fmt.Printf("Opening %s with %s...\n", cfgFile, editor)
		c := exec.Command(editor, cfgFile)
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("editor failed: %w", err)
		}

		// Catch mistakes before the next recording does
		if _, err := config.LoadWithProfile(cfgFile, ""); err != nil {
			return fmt.Errorf("configuration is invalid after edit: %w", err)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configProfilesCmd)
	configCmd.AddCommand(configUseCmd)
	configCmd.AddCommand(configEditCmd)
}
