package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	fat32 "github.com/pilat/go-fat32"
)

type opener func() (*fat32.Image, error)

// withImage opens the image, runs fn and saves when fn changed something.
func withImage(open opener, write bool, fn func(img *fat32.Image) error) (err error) {
	img, err := open()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, img.Close())
	}()

	if err := fn(img); err != nil {
		return err
	}

	if write {
		return img.Save()
	}
	return nil
}

func mkfsCmd(imagePath *string) *cobra.Command {
	var (
		sizeMB   uint64
		spc      uint8
		label    string
		volumeID uint32
	)

	cmd := &cobra.Command{
		Use:   "mkfs",
		Short: "create a new formatted image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if *imagePath == "" {
				return errors.New("--image is required")
			}

			img, err := fat32.CreateImage(*imagePath, fat32.FormatOptions{
				SizeBytes:         sizeMB << 20,
				SectorsPerCluster: spc,
				VolumeLabel:       label,
				VolumeID:          volumeID,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), img.FS().Layout())
			return img.Close()
		},
	}

	cmd.Flags().Uint64Var(&sizeMB, "size", 64, "Image size in MiB")
	cmd.Flags().Uint8Var(&spc, "sectors-per-cluster", 0, "Sectors per cluster (0 picks a default for the size)")
	cmd.Flags().StringVar(&label, "label", "", "Volume label")
	cmd.Flags().Uint32Var(&volumeID, "volume-id", 0, "Volume serial number (0 picks a random one)")

	return cmd
}

func infoCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "print the volume geometry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withImage(open, false, func(img *fat32.Image) error {
				free, err := img.FS().FreeClusters()
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, img.FS().Layout())
				fmt.Fprintf(out, "  Free Clusters: %d\n", free)
				return nil
			})
		},
	}
}

func lsCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "list a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := "/"
			if len(args) == 1 {
				p = args[0]
			}

			return withImage(open, false, func(img *fat32.Image) error {
				entries, err := img.ReadDir(p)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, e := range entries {
					kind := "-"
					if e.IsDir() {
						kind = "d"
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", kind, e.Size, e.ShortName, e.Name)
				}
				return w.Flush()
			})
		},
	}
}

func catCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "print a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withImage(open, false, func(img *fat32.Image) error {
				data, err := img.ReadFile(args[0])
				if err != nil {
					return err
				}

				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
}

func putCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-file> <path>",
		Short: "copy a local file into the image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			return withImage(open, true, func(img *fat32.Image) error {
				return img.WriteFile(args[1], data)
			})
		},
	}
}

func mkdirCmd(open opener) *cobra.Command {
	var parents bool

	cmd := &cobra.Command{
		Use:   "mkdir <path>",
		Short: "create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withImage(open, true, func(img *fat32.Image) error {
				if parents {
					return img.MkdirAll(args[0])
				}
				return img.Mkdir(args[0])
			})
		},
	}

	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "Create missing parent directories")

	return cmd
}

func rmCmd(open opener) *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "remove a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withImage(open, true, func(img *fat32.Image) error {
				if recursive {
					return img.RemoveAll(args[0])
				}
				return img.Remove(args[0])
			})
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Remove directories and their contents")

	return cmd
}

func mvCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <old> <new>",
		Short: "rename or move an entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withImage(open, true, func(img *fat32.Image) error {
				return img.Rename(args[0], args[1])
			})
		},
	}
}

func statCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "show size and allocation of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withImage(open, false, func(img *fat32.Image) error {
				st, err := img.Stat(args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Size: %d\n", st.Size)
				fmt.Fprintf(out, "Blocks: %d (%d bytes each)\n", st.Blocks, st.BlockSize)
				fmt.Fprintf(out, "Directory: %t\n", st.IsDir)
				fmt.Fprintf(out, "Attributes: %#02x\n", st.Attr)
				fmt.Fprintf(out, "First Cluster: %d\n", st.FirstCluster)
				fmt.Fprintf(out, "Modified: %s\n", st.ModTime.Format(time.RFC3339))
				return nil
			})
		},
	}
}
