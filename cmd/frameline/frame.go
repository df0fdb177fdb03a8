package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/frameline/frameline/internal/store"
	"github.com/frameline/frameline/internal/supervisor"
)

func createCmd() *cobra.Command {
	var (
		workspace   string
		description string
		templateArg string
		start       bool
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			ws := workspace
			if ws == "" {
				ws, err = os.Getwd()
				if err != nil {
					return err
				}
			}
			ws, err = filepath.Abs(ws)
			if err != nil {
				return err
			}

			f, err := a.sup.CreateFrame(supervisor.CreateInput{
				Name:          args[0],
				Description:   description,
				WorkspacePath: ws,
				Template:      templateArg,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created frame %s (%s) on port %d\n", f.Name, f.ID, f.HostPort)

			if start {
				if _, err := a.sup.StartFrame(cmd.Context(), f.ID); err != nil {
					return err
				}
				fmt.Printf("started %s\n", f.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current directory)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Frame description")
	cmd.Flags().StringVarP(&templateArg, "template", "t", "", "Window template to apply on first start")
	cmd.Flags().BoolVar(&start, "start", false, "Start the frame immediately")
	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <frame>",
		Short: "Start a frame's container and tmux session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()
			f, err := a.sup.StartFrame(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("started %s (port %d)\n", f.Name, f.HostPort)
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <frame>",
		Short: "Stop a running frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()
			f, err := a.sup.StopFrame(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("stopped %s\n", f.Name)
			return nil
		},
	}
}

func destroyCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "destroy <frame>",
		Short: "Destroy a frame, its container, and its on-disk state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.sup.DestroyFrame(cmd.Context(), args[0], force); err != nil {
				return err
			}
			fmt.Printf("destroyed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Destroy even if the frame is running")
	return cmd
}

func lsCmd() *cobra.Command {
	var statusFilter string
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			frames, err := a.sup.ListFrames(store.Status(statusFilter))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tPORT\tTEMPLATE\tWORKSPACE")
			for _, f := range frames {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					f.Name, f.Status, f.HostPort, orDash(f.Template), f.WorkspacePath)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&statusFilter, "status", "s", "", "Filter by status")
	return cmd
}

func eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <frame>",
		Short: "Show a frame's lifecycle event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			events, err := a.sup.GetFrameEvents(args[0], limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tDETAILS")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.Kind, orDash(e.Details))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum events to show")
	return cmd
}

func attachCmd() *cobra.Command {
	var print bool
	cmd := &cobra.Command{
		Use:   "attach <frame>",
		Short: "Attach the local terminal to a running frame's tmux session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			f, err := a.sup.GetFrame(args[0])
			if err != nil {
				return err
			}
			if f.Status != store.StatusRunning {
				return fmt.Errorf("frame %q is %s, start it first", f.Name, f.Status)
			}
			command := a.sup.AttachCommand(f)
			if print {
				fmt.Println(command)
				return nil
			}
			a.sup.TouchActivity(f.ID)

			parts := strings.Fields(command)
			c := exec.CommandContext(cmd.Context(), parts[0], parts[1:]...)
			c.Stdin = os.Stdin
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			return c.Run()
		},
	}
	cmd.Flags().BoolVar(&print, "print", false, "Print the attach command instead of executing it")
	return cmd
}

func templatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List available window templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			names, err := a.tpl.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESCRIPTION\tWINDOWS")
			for _, name := range names {
				t, err := a.tpl.Resolve(name)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\n", name, orDash(t.Description), len(t.Windows))
			}
			return w.Flush()
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
