package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/frameline/frameline/internal/config"
	"github.com/frameline/frameline/internal/store"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage global and per-frame configuration",
	}
	cmd.AddCommand(configGetCmd(), configSetCmd(), configLsCmd(), configRmCmd(), configFrameCmd())
	return cmd
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print a config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()
			v := a.cfg.Get(args[0])
			if v == "" {
				return fmt.Errorf("key %q is not set", args[0])
			}
			fmt.Println(v)
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a config value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()
			if provider, ok := strings.CutSuffix(args[0], "_api_key"); ok && !config.KnownProvider(provider) {
				fmt.Fprintf(os.Stderr, "warning: unknown provider %q, will forward as %s\n",
					provider, config.ProviderKeyEnv(provider))
			}
			if err := a.cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s = %s\n", args[0], config.MaskValue(args[0], args[1]))
			return nil
		},
	}
}

func configLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List config keys (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, key := range a.cfg.Keys() {
				fmt.Fprintf(w, "%s\t%s\n", key, config.MaskValue(key, a.cfg.Get(key)))
			}
			return w.Flush()
		},
	}
}

func configRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>",
		Short: "Remove a config key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()
			return a.cfg.Delete(args[0])
		},
	}
}

func configFrameCmd() *cobra.Command {
	var (
		provider    string
		model       string
		baseURL     string
		temperature float64
		apiKey      string
		servicePort int
	)
	cmd := &cobra.Command{
		Use:   "frame <frame>",
		Short: "Show or update a frame's config (flags update, no flags show)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			cfg, err := a.sup.GetFrameConfig(args[0])
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = &store.FrameConfig{}
			}

			if cmd.Flags().NFlag() == 0 {
				out, err := json.MarshalIndent(maskedConfig(cfg), "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			if cmd.Flags().Changed("provider") {
				cfg.Manager.Provider = provider
			}
			if cmd.Flags().Changed("model") {
				cfg.Manager.Model = model
			}
			if cmd.Flags().Changed("base-url") {
				cfg.Manager.BaseURL = baseURL
			}
			if cmd.Flags().Changed("temperature") {
				t := temperature
				cfg.Manager.Temperature = &t
			}
			if cmd.Flags().Changed("api-key") {
				cfg.Manager.APIKey = apiKey
			}
			if cmd.Flags().Changed("service-port") {
				cfg.Ports.ServicePort = servicePort
			}
			if err := a.sup.UpdateFrameConfig(args[0], cfg); err != nil {
				return err
			}
			fmt.Println("updated (takes effect on next container creation)")
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Model provider")
	cmd.Flags().StringVar(&model, "model", "", "Model name")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Provider base URL")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "Sampling temperature")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Per-frame API key (wins over global)")
	cmd.Flags().IntVar(&servicePort, "service-port", 0, "Container-side service port")
	return cmd
}

// maskedConfig hides the per-frame API key in display output.
func maskedConfig(cfg *store.FrameConfig) *store.FrameConfig {
	out := *cfg
	if out.Manager.APIKey != "" {
		out.Manager.APIKey = config.MaskValue("api_key", out.Manager.APIKey)
	}
	return &out
}
