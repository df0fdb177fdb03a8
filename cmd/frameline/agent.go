package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/frameline/frameline/internal/config"
	"github.com/frameline/frameline/internal/logger"
	"github.com/frameline/frameline/internal/term"
	"github.com/frameline/frameline/internal/tunnel"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the home agent",
	}
	cmd.AddCommand(agentRunCmd(), agentRegisterCmd())
	return cmd
}

// agentRegisterCmd registers this machine with the relay and persists the
// relay-minted server id so signed handshakes line up.
func agentRegisterCmd() *cobra.Command {
	var (
		relayHTTP string
		token     string
		name      string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this machine with the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := config.RootDir()
			if err != nil {
				return err
			}
			if err := config.EnsureDirs(root); err != nil {
				return err
			}
			pub, err := tunnel.EnsureKeyPair(root)
			if err != nil {
				return err
			}
			if name == "" {
				name, _ = os.Hostname()
			}

			body, _ := json.Marshal(map[string]string{"serverName": name, "publicKey": pub})
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				relayHTTP+"/api/servers/register", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("registration failed: %s", resp.Status)
			}
			var reg struct {
				ServerID   string `json:"serverId"`
				ServerName string `json:"serverName"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
				return err
			}
			if err := tunnel.WriteServerID(root, reg.ServerID); err != nil {
				return err
			}
			fmt.Printf("registered as %s (%s)\n", reg.ServerName, reg.ServerID)
			return nil
		},
	}
	cmd.Flags().StringVar(&relayHTTP, "relay-http", "https://relay.frameline.dev", "Relay HTTP base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token for the relay")
	cmd.Flags().StringVar(&name, "name", "", "Display name (default: hostname)")
	cmd.MarkFlagRequired("token")
	return cmd
}

func agentRunCmd() *cobra.Command {
	var (
		relayURL   string
		serverName string
		unsigned   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the relay and serve frames until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.sup.Reconcile(ctx); err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			go a.tpl.Watch(ctx)

			serverID, err := tunnel.EnsureServerID(a.root)
			if err != nil {
				return err
			}
			if serverName == "" {
				serverName, _ = os.Hostname()
			}

			client := &tunnel.Client{
				RelayURL:   relayURL,
				ServerID:   serverID,
				ServerName: serverName,
				Supervisor: a.sup,
				Terminals:  term.NewManager(),
			}
			if !unsigned {
				if _, err := tunnel.EnsureKeyPair(a.root); err != nil {
					return err
				}
				key, err := tunnel.LoadPrivateKey(a.root)
				if err != nil {
					return err
				}
				client.Key = key
			}

			logger.Info("home agent starting", "server", serverID, "relay", relayURL)
			err = client.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "wss://relay.frameline.dev/tunnel", "Relay tunnel URL")
	cmd.Flags().StringVar(&serverName, "name", "", "Display name for this machine (default: hostname)")
	cmd.Flags().BoolVar(&unsigned, "unsigned", false, "Use the unsigned development handshake")
	return cmd
}
