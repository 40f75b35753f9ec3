package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/turnsock/internal/config"
	"github.com/kuuji/turnsock/internal/relay"
)

var credentialsLifetime time.Duration

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Print a freshly generated TURN REST API username and password",
	Long: `Derive a time-limited TURN REST API credential pair from the config
file's peer_id and turn_secret, the same way Socket.Dial does internally.
Useful for pointing a coturn-compatible server or a packet capture at this
client's expected credentials.`,
	RunE: runCredentials,
}

func init() {
	credentialsCmd.Flags().DurationVar(&credentialsLifetime, "lifetime", relay.DefaultCredentialLifetime, "credential validity period")
}

func runCredentials(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}

	username, password := relay.GenerateCredentials(cfg.TURNSecret, cfg.PeerID, credentialsLifetime)
	fmt.Printf("username: %s\n", username)
	fmt.Printf("password: %s\n", password)
	return nil
}
