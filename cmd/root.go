// Package cmd implements the CLI surface described in spec.md §6: a
// cobra command tree rooted at "minato", the global daemon-routing and
// logging flags, and the container/image subcommand groups. Grounded
// on original_source/src/main.rs's clap subcommand tree, translated to
// cobra the way glennswest-mikrotik-kube and combust-labs-firebuild
// structure their own command trees.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/minato-run/minato/internal/dispatch"
	"github.com/minato-run/minato/internal/ipcsock"
	"github.com/minato-run/minato/internal/logging"
)

var (
	flagDaemon   bool
	flagExit     bool
	flagDebug    bool
	flagLogLevel string

	log *logrus.Entry
)

// RootCmd is the top-level "minato" command. With no subcommand and
// -d/--daemon it starts the daemon loop (spec.md §6: "if no subcommand
// given, act as the daemon"); with -e/--exit it tells a running daemon
// to stop instead of dispatching anything else.
var RootCmd = &cobra.Command{
	Use:   "minato",
	Short: "A minimal OCI-style container runtime",
	Long: `minato pulls images from the Docker Registry v2 API, composes a
stacked root filesystem, and launches an isolated process inside a
fresh set of Linux namespaces.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cobraCmd *cobra.Command, args []string) {
		log = logging.Configure(flagLogLevel, flagDebug)
	},
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		if flagExit {
			return sendExit()
		}
		if flagDaemon {
			return runDaemon()
		}
		return cobraCmd.Help()
	},
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&flagDaemon, "daemon", "d", false, "route the command through the daemon socket, or act as the daemon with no subcommand")
	RootCmd.PersistentFlags().BoolVarP(&flagExit, "exit", "e", false, "tell a running daemon to stop")
	RootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "D", false, "enable debug logging")
	RootCmd.PersistentFlags().StringVarP(&flagLogLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")

	RootCmd.AddCommand(imageCmd)
	RootCmd.AddCommand(containerCmd)
}

// Execute runs the command tree; main.go's only job is to call this
// (after checking for the hidden re-exec sentinels, which never reach
// cobra's parser).
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "minato:", err)
		os.Exit(1)
	}
}

// runDaemon starts the control-socket listener and blocks in the
// accept loop, spec.md §6's "-d with no subcommand acts as the daemon".
func runDaemon() error {
	d := dispatch.New(log)
	srv, err := ipcsock.Listen(d, log)
	if err != nil {
		return err
	}
	log.Info("daemon listening")
	return srv.Serve()
}

// sendExit implements -e/--exit: a single ActionDaemonExit command,
// the DaemonExit error kind of spec.md §7 used only to break the
// accept loop.
func sendExit() error {
	client := ipcsock.NewClient()
	return client.Send(dispatch.Command{Action: dispatch.ActionDaemonExit})
}

// dispatchCommand is the single choke point both image.go and
// container.go call: when -d is set it serializes cmd over the control
// socket (spec.md §6's daemon protocol); otherwise it runs the command
// in this process directly against the stores, so CLI behavior never
// diverges between the two paths (spec.md §4.3's dispatcher contract).
func dispatchCommand(cmd dispatch.Command) error {
	if flagDaemon {
		client := ipcsock.NewClient()
		if err := client.Send(cmd); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	}

	d := dispatch.New(log)
	result, err := d.Run(context.Background(), cmd)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func printResult(result *dispatch.Result) {
	if result.Message != "" {
		fmt.Println(result.Message)
	}
	for _, img := range result.Images {
		fmt.Printf("%-40s %-24s %-10s %d layer(s)\n", img.ID, img.Name, img.Ref, img.Layers)
	}
	for _, c := range result.Containers {
		status := c.Status
		if c.Status == "running" {
			status = fmt.Sprintf("running (pid %d)", c.PID)
		}
		fmt.Printf("%-16s %-32s %s\n", c.ID, c.ImageID, status)
	}
}
