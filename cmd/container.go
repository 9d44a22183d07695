package cmd

import (
	"github.com/spf13/cobra"

	"github.com/minato-run/minato/internal/dispatch"
)

var containerCmd = &cobra.Command{
	Use:   "container",
	Short: "Manage containers (create, run, open, stop, list, delete)",
}

var (
	containerNameFlag string
	containerImageID  string
	runVolumes        []string
	runHostIP         string
	runContainerIP    string
)

var containerCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a container from a pulled image",
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		return dispatchCommand(dispatch.Command{
			Action:      dispatch.ActionContainerCreate,
			ContainerID: containerNameFlag,
			ImageID:     containerImageID,
		})
	},
}

var containerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a created container",
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		return dispatchCommand(dispatch.Command{
			Action:      dispatch.ActionContainerRun,
			ContainerID: containerNameFlag,
			Volumes:     runVolumes,
			HostIP:      runHostIP,
			ContainerIP: runContainerIP,
		})
	},
}

var containerOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a shell inside a running container",
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		return dispatchCommand(dispatch.Command{
			Action:      dispatch.ActionContainerOpen,
			ContainerID: containerNameFlag,
		})
	},
}

var containerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Send SIGTERM to a running container",
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		return dispatchCommand(dispatch.Command{
			Action:      dispatch.ActionContainerStop,
			ContainerID: containerNameFlag,
		})
	},
}

var containerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List containers",
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		return dispatchCommand(dispatch.Command{Action: dispatch.ActionContainerList})
	},
}

var containerDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a container",
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		return dispatchCommand(dispatch.Command{
			Action:      dispatch.ActionContainerDelete,
			ContainerID: containerNameFlag,
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{containerCreateCmd, containerRunCmd, containerOpenCmd, containerStopCmd, containerDeleteCmd} {
		c.Flags().StringVar(&containerNameFlag, "container-name", "", "container id")
		_ = c.MarkFlagRequired("container-name")
	}
	containerCreateCmd.Flags().StringVar(&containerImageID, "image-id", defaultImageID, "image id to create the container from")

	containerRunCmd.Flags().StringSliceVar(&runVolumes, "volume", nil, "host bind mount, hostpath:guestpath (repeatable)")
	containerRunCmd.Flags().StringVar(&runHostIP, "host-ip", "", "override the bridge address (CIDR)")
	containerRunCmd.Flags().StringVar(&runContainerIP, "container-ip", "", "override the container's address (CIDR)")

	containerCmd.AddCommand(
		containerCreateCmd,
		containerRunCmd,
		containerOpenCmd,
		containerStopCmd,
		containerListCmd,
		containerDeleteCmd,
	)
}
