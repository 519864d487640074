package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	fat32 "github.com/pilat/go-fat32"
)

const (
	fixtureSizeMB   = 64
	fixtureVolumeID = 0x1234ABCD
)

var fixtureCreatedAt = time.Date(2020, 9, 13, 12, 26, 40, 0, time.UTC)

// fixtureCmd builds a deterministic sample image and prints its fingerprint,
// so that on-disk format changes show up as a different hash.
func fixtureCmd() *cobra.Command {
	var (
		out  string
		keep bool
	)

	cmd := &cobra.Command{
		Use:   "fixture",
		Short: "build the sample image and print its sha256",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = filepath.Join(os.TempDir(), "fat32-fixture.img")
			}
			if !keep {
				defer os.Remove(out)
			}

			size, sum, err := buildAndHashFixture(out)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "fixture size: %d bytes\n", size)
			fmt.Fprintf(cmd.OutOrStdout(), "fixture sha256: %s\n", sum)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "output", "o", "", "Where to write the image")
	cmd.Flags().BoolVar(&keep, "keep", false, "Keep the image after hashing")

	return cmd
}

func buildAndHashFixture(imagePath string) (int64, string, error) {
	_ = os.Remove(imagePath)

	img, err := fat32.CreateImage(imagePath, fat32.FormatOptions{
		SizeBytes:   fixtureSizeMB << 20,
		VolumeLabel: "FIXTURE",
		VolumeID:    fixtureVolumeID,
		CreatedAt:   fixtureCreatedAt,
	}, fat32.WithClock(func() time.Time { return fixtureCreatedAt }))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create image: %w", err)
	}

	if err := buildFixtureTree(img); err != nil {
		_ = img.Close()
		return 0, "", fmt.Errorf("fixture build failed: %w", err)
	}

	if err := img.Close(); err != nil {
		return 0, "", fmt.Errorf("failed to close image: %w", err)
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open image %q: %w", imagePath, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("failed to hash image %q: %w", imagePath, err)
	}

	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func buildFixtureTree(img *fat32.Image) error {
	steps := []struct {
		dir  string
		file string
		data string
	}{
		{dir: "/EFI/BOOT"},
		{file: "/EFI/BOOT/README.TXT", data: "boot files go here\n"},
		{dir: "/etc"},
		{file: "/etc/hostname", data: "fat32-fixture\n"},
		{dir: "/home/user/documents"},
		{file: "/home/user/documents/a rather long file name.txt", data: "hello from fat32 fixtures\n"},
	}

	for _, s := range steps {
		if s.dir != "" {
			if err := img.MkdirAll(s.dir); err != nil {
				return err
			}
			continue
		}
		if err := img.WriteFile(s.file, []byte(s.data)); err != nil {
			return err
		}
	}

	return nil
}
