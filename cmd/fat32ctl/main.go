// Command fat32ctl creates and edits FAT32 image files.
package main

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	fat32 "github.com/pilat/go-fat32"
)

func newCmd() *cobra.Command {
	var (
		imagePath string
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:               "fat32ctl",
		Short:             "create and edit FAT32 image files",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logrus.SetOutput(os.Stderr)
			logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	open := func() (*fat32.Image, error) {
		if imagePath == "" {
			return nil, errors.New("--image is required")
		}
		return fat32.OpenImage(imagePath, fat32.WithLogger(logrus.StandardLogger()))
	}

	cmd.AddCommand(mkfsCmd(&imagePath))
	cmd.AddCommand(infoCmd(open))
	cmd.AddCommand(lsCmd(open))
	cmd.AddCommand(catCmd(open))
	cmd.AddCommand(putCmd(open))
	cmd.AddCommand(mkdirCmd(open))
	cmd.AddCommand(rmCmd(open))
	cmd.AddCommand(mvCmd(open))
	cmd.AddCommand(statCmd(open))
	cmd.AddCommand(fixtureCmd())

	cmd.PersistentFlags().StringVarP(&imagePath, "image", "i", "", "Path to the FAT32 image file")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

func main() {
	if err := newCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}
