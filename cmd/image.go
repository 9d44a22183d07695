package cmd

import (
	"github.com/spf13/cobra"

	"github.com/minato-run/minato/internal/dispatch"
)

const defaultImageID = "library/alpine:latest"

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage images (pull, list, delete)",
}

var imageIDFlag string

var imagePullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull an image from the registry",
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		return dispatchCommand(dispatch.Command{
			Action:  dispatch.ActionImagePull,
			ImageID: imageIDFlag,
		})
	},
}

var imageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pulled images",
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		return dispatchCommand(dispatch.Command{Action: dispatch.ActionImageList})
	},
}

var imageDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a pulled image",
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		return dispatchCommand(dispatch.Command{
			Action:  dispatch.ActionImageDelete,
			ImageID: imageIDFlag,
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{imagePullCmd, imageDeleteCmd} {
		c.Flags().StringVar(&imageIDFlag, "image-id", defaultImageID, "image id (name[:reference])")
	}

	imageCmd.AddCommand(imagePullCmd, imageListCmd, imageDeleteCmd)
}
