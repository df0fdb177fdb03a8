package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/frameline/frameline/internal/config"
	"github.com/frameline/frameline/internal/tunnel"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print this agent's server id and public key for relay registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := config.RootDir()
			if err != nil {
				return err
			}
			if err := config.EnsureDirs(root); err != nil {
				return err
			}
			serverID, err := tunnel.EnsureServerID(root)
			if err != nil {
				return err
			}
			pub, err := tunnel.EnsureKeyPair(root)
			if err != nil {
				return err
			}
			fmt.Printf("serverId:  %s\npublicKey: %s\n", serverID, pub)
			fmt.Println("\nRegister with: POST /api/servers/register {\"serverName\": \"...\", \"publicKey\": \"...\"}")
			return nil
		},
	}
}
