package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/frameline/frameline/internal/config"
	"github.com/frameline/frameline/internal/engine"
	"github.com/frameline/frameline/internal/logger"
	"github.com/frameline/frameline/internal/store"
	"github.com/frameline/frameline/internal/supervisor"
	"github.com/frameline/frameline/internal/template"
)

func main() {
	var logLevel string

	root := &cobra.Command{
		Use:   "frameline",
		Short: "frameline - containerized dev frames with remote terminal access",
		Long:  "Manages isolated development frames (container + tmux session) and exposes them to your browser through a public relay.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logLevel, "")
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		createCmd(),
		startCmd(),
		stopCmd(),
		destroyCmd(),
		lsCmd(),
		eventsCmd(),
		attachCmd(),
		configCmd(),
		templatesCmd(),
		agentCmd(),
		keygenCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// app wires the home-side stack: store, config, engine, templates,
// supervisor.
type app struct {
	root string
	st   *store.Store
	cfg  *config.Manager
	eng  *engine.Engine
	tpl  *template.Loader
	sup  *supervisor.Supervisor
}

func openApp() (*app, error) {
	root, err := config.RootDir()
	if err != nil {
		return nil, err
	}
	if err := config.EnsureDirs(root); err != nil {
		return nil, err
	}
	cfg, err := config.Open(root)
	if err != nil {
		return nil, err
	}
	dsn := cfg.Get(config.KeyDatabaseURL)
	if dsn == "" {
		dsn = filepath.Join(root, "frameline.db")
	}
	st, err := store.Open(dsn)
	if err != nil {
		return nil, err
	}
	eng, err := engine.Detect()
	if err != nil {
		st.Close()
		return nil, err
	}
	tpl := template.NewLoader(config.TemplateDirs(root)...)
	return &app{
		root: root,
		st:   st,
		cfg:  cfg,
		eng:  eng,
		tpl:  tpl,
		sup:  supervisor.New(st, eng, tpl, cfg, root),
	}, nil
}

func (a *app) close() {
	a.st.Close()
}
