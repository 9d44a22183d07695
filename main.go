// Command minato is a minimal OCI-style container runtime for Linux
// hosts. See spec.md for the full system description; cmd/ implements
// the CLI surface and internal/lifecycle implements the container
// lifecycle engine.
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/minato-run/minato/cmd"
	"github.com/minato-run/minato/internal/lifecycle"
)

// main intercepts the two hidden re-exec sentinels
// (__minato_nsinit__/__minato_initshim__) before cobra ever sees
// argv: these are not user-facing subcommands, just the two stages of
// the self-re-exec fork replacement described in SPEC_FULL.md's
// REDESIGN NOTE, and they carry no flags cobra could parse anyway.
func main() {
	if len(os.Args) > 1 {
		log := logrus.NewEntry(logrus.StandardLogger())
		switch os.Args[1] {
		case lifecycle.NSInitCommand:
			if err := lifecycle.RunNSInit(log); err != nil {
				log.WithError(err).Error("nsinit failed")
				os.Exit(1)
			}
			return
		case lifecycle.InitShimCommand:
			if err := lifecycle.RunInitShim(log); err != nil {
				log.WithError(err).Error("initshim failed")
				os.Exit(1)
			}
			return
		}
	}

	cmd.Execute()
}
