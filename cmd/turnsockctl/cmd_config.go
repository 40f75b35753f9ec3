package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kuuji/turnsock/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the turnsockctl config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a new config file, prompting for each field",
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the resolved config file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(resolvedConfigPath())
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()
	scanner := bufio.NewScanner(os.Stdin)

	cfg := config.Default()
	cfg.ServerURL = promptString(scanner, "Signaling server URL", "https://signal.example.com/offer")
	cfg.PeerID = promptString(scanner, "Peer ID", "")
	cfg.TURNSecret = promptString(scanner, "TURN shared secret", "")
	cfg.LogLevel = promptString(scanner, "Log level", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "wrote %s\n", path)
	return nil
}
