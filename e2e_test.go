package fat32_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fat32 "github.com/pilat/go-fat32"
)

const (
	// Docker image to use for FAT32 validation
	dockerImage = "alpine:latest"
	// Default test image size in MB
	defaultImageSizeMB = 64
)

// testContext holds resources for a single test case
type testContext struct {
	t         *testing.T
	imagePath string
	img       *fat32.Image
}

// newTestContext creates a new test context with a freshly formatted image
func newTestContext(t *testing.T, sizeMB int) *testContext {
	t.Helper()

	tmpDir := t.TempDir()
	imagePath := filepath.Join(tmpDir, "test.img")

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)

	img, err := fat32.CreateImage(imagePath, fat32.FormatOptions{
		SizeBytes:   uint64(sizeMB) << 20,
		VolumeLabel: "TESTVOL",
	}, fat32.WithLogger(log))
	require.NoError(t, err, "failed to create FAT32 image")

	return &testContext{
		t:         t,
		imagePath: imagePath,
		img:       img,
	}
}

// finalize flushes the filesystem and closes the image
func (tc *testContext) finalize() {
	tc.t.Helper()
	require.NoError(tc.t, tc.img.Save(), "failed to save image")
	require.NoError(tc.t, tc.img.Close(), "failed to close image")
}

// dockerExec runs a command inside a privileged Docker container with the image mounted
// Returns stdout, stderr, and any error
func (tc *testContext) dockerExec(commands ...string) (string, string, error) {
	tc.t.Helper()

	script := fmt.Sprintf(`
set -e
apk add --no-cache dosfstools > /dev/null 2>&1

# Copy image to container filesystem
cp /image/test.img /tmp/test.img

# Check filesystem
fsck.fat -n /tmp/test.img || { echo "fsck.fat failed"; exit 1; }

# Mount the filesystem
mkdir -p /mnt/fat
mount -t vfat -o loop /tmp/test.img /mnt/fat

# Run the verification commands
cd /mnt/fat
%s

# Cleanup
cd /
umount /mnt/fat
`, strings.Join(commands, "\n"))

	absPath, err := filepath.Abs(filepath.Dir(tc.imagePath))
	if err != nil {
		return "", "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	args := []string{
		"run", "--rm", "--privileged",
		"-v", fmt.Sprintf("%s:/image:ro", absPath),
		dockerImage,
		"sh", "-c", script,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), fmt.Errorf("docker command timed out after 60s")
	}
	return stdout.String(), stderr.String(), err
}

// dockerExecSimple runs commands and returns stdout, failing the test on error
func (tc *testContext) dockerExecSimple(commands ...string) string {
	tc.t.Helper()
	stdout, stderr, err := tc.dockerExec(commands...)
	if err != nil {
		tc.t.Fatalf("docker exec failed: %v\nstdout: %s\nstderr: %s", err, stdout, stderr)
	}
	return stdout
}

// skipIfNoDocker skips the test if Docker is not available
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	cmd := exec.Command("docker", "info")
	if err := cmd.Run(); err != nil {
		t.Skip("Docker not available, skipping e2e test")
	}
}

// TestBasicFilesystemCreation verifies that a freshly formatted volume passes fsck and mounts
func TestBasicFilesystemCreation(t *testing.T) {
	skipIfNoDocker(t)

	tc := newTestContext(t, defaultImageSizeMB)
	tc.finalize()

	output := tc.dockerExecSimple(
		`ls -la`,
		`echo "mounted ok"`,
	)

	assert.Contains(t, output, "mounted ok")
}

// TestFileCreation tests creating files with various sizes and contents
func TestFileCreation(t *testing.T) {
	skipIfNoDocker(t)

	testCases := []struct {
		name     string
		filename string
		content  string
	}{
		{
			name:     "simple text file",
			filename: "HELLO.TXT",
			content:  "Hello, World!\n",
		},
		{
			name:     "empty file",
			filename: "EMPTY.TXT",
			content:  "",
		},
		{
			name:     "lower case name",
			filename: "notes.txt",
			content:  "lower case names need a long entry\n",
		},
		{
			name:     "multi cluster file",
			filename: "big.bin",
			content:  strings.Repeat("0123456789abcdef", 1024),
		},
		{
			name:     "file with special characters",
			filename: "special.txt",
			content:  "Tab:\there\nUnicode: 你好世界\nSymbols: @#$%^&*()\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := newTestContext(t, defaultImageSizeMB)

			require.NoError(t, ctx.img.WriteFile("/"+tc.filename, []byte(tc.content)))

			ctx.finalize()

			commands := []string{
				fmt.Sprintf(`test -f "%s" && echo "file exists"`, tc.filename),
				fmt.Sprintf(`stat -c "size=%%s" "%s"`, tc.filename),
			}
			if tc.content != "" {
				commands = append(commands, fmt.Sprintf(`cat "%s"`, tc.filename))
			}

			output := ctx.dockerExecSimple(commands...)

			assert.Contains(t, output, "file exists")
			assert.Contains(t, output, fmt.Sprintf("size=%d", len(tc.content)))
			if tc.content != "" {
				assert.Contains(t, output, tc.content)
			}
		})
	}
}

// TestDirectoryCreation tests creating directories with various structures
func TestDirectoryCreation(t *testing.T) {
	skipIfNoDocker(t)

	testCases := []struct {
		name      string
		structure func(img *fat32.Image) error
		verify    []string
		expects   []string
	}{
		{
			name: "single directory",
			structure: func(img *fat32.Image) error {
				return img.Mkdir("/mydir")
			},
			verify: []string{
				`test -d "mydir" && echo "mydir is directory"`,
			},
			expects: []string{"mydir is directory"},
		},
		{
			name: "nested directories",
			structure: func(img *fat32.Image) error {
				return img.MkdirAll("/level1/level2/level3")
			},
			verify: []string{
				`test -d "level1/level2/level3" && echo "nested dirs exist"`,
				`cd level1/level2/level3 && cd ../../.. && echo "dotdot ok"`,
			},
			expects: []string{"nested dirs exist", "dotdot ok"},
		},
		{
			name: "multiple directories at same level",
			structure: func(img *fat32.Image) error {
				for _, d := range []string{"/bin", "/etc", "/home", "/var"} {
					if err := img.Mkdir(d); err != nil {
						return err
					}
				}
				return nil
			},
			verify: []string{
				`ls -1d bin etc home var | wc -l | tr -d ' '`,
			},
			expects: []string{"4"},
		},
		{
			name: "directory spanning several clusters",
			structure: func(img *fat32.Image) error {
				if err := img.Mkdir("/many"); err != nil {
					return err
				}
				for i := 0; i < 100; i++ {
					p := fmt.Sprintf("/many/entry number %03d.txt", i)
					if err := img.WriteFile(p, []byte(p)); err != nil {
						return err
					}
				}
				return nil
			},
			verify: []string{
				`ls -1 many | wc -l | tr -d ' '`,
				`cat "many/entry number 099.txt"`,
			},
			expects: []string{"100", "/many/entry number 099.txt"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := newTestContext(t, defaultImageSizeMB)
			require.NoError(t, tc.structure(ctx.img))
			ctx.finalize()

			output := ctx.dockerExecSimple(tc.verify...)

			for _, expected := range tc.expects {
				assert.Contains(t, output, expected)
			}
		})
	}
}

// TestRemoveAndRename tests that deletions and moves leave a consistent volume
func TestRemoveAndRename(t *testing.T) {
	skipIfNoDocker(t)

	ctx := newTestContext(t, defaultImageSizeMB)

	require.NoError(t, ctx.img.MkdirAll("/src/inner"))
	require.NoError(t, ctx.img.MkdirAll("/dst"))
	require.NoError(t, ctx.img.WriteFile("/src/inner/keep.txt", []byte("keep me\n")))
	require.NoError(t, ctx.img.WriteFile("/src/drop.txt", []byte("drop me\n")))
	require.NoError(t, ctx.img.Remove("/src/drop.txt"))
	require.NoError(t, ctx.img.Rename("/src/inner", "/dst/moved directory"))
	require.NoError(t, ctx.img.Rename("/dst/moved directory/keep.txt", "/dst/moved directory/Kept.txt"))

	ctx.finalize()

	output := ctx.dockerExecSimple(
		`test ! -e src/drop.txt && echo "drop removed"`,
		`test ! -e src/inner && echo "inner moved"`,
		`cat "dst/moved directory/Kept.txt"`,
		`cd "dst/moved directory" && cd .. && pwd`,
	)

	assert.Contains(t, output, "drop removed")
	assert.Contains(t, output, "inner moved")
	assert.Contains(t, output, "keep me")
	assert.Contains(t, output, "/mnt/fat/dst")
}

// TestSpecialFileNames tests files with edge-case names
func TestSpecialFileNames(t *testing.T) {
	skipIfNoDocker(t)

	testCases := []struct {
		name     string
		filename string
	}{
		{"single char", "a"},
		{"long name", strings.Repeat("x", 200)},
		{"with spaces", "file with spaces.txt"},
		{"with dots", "file.multiple.dots.txt"},
		{"hidden file", ".hidden"},
		{"numbers only", "12345"},
		{"mixed case", "MixedCase.TXT"},
		{"underscore", "file_name_with_underscores"},
		{"hyphen", "file-name-with-hyphens"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := newTestContext(t, defaultImageSizeMB)

			content := fmt.Sprintf("Content of %s\n", tc.filename)
			require.NoError(t, ctx.img.WriteFile("/"+tc.filename, []byte(content)))

			ctx.finalize()

			output := ctx.dockerExecSimple(
				fmt.Sprintf(`cat "%s"`, tc.filename),
			)

			assert.Contains(t, output, content)
		})
	}
}

// BenchmarkFilesystemCreation benchmarks building a populated image
func BenchmarkFilesystemCreation(b *testing.B) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)

	for i := 0; i < b.N; i++ {
		tmpDir := b.TempDir()
		imagePath := filepath.Join(tmpDir, "bench.img")

		img, err := fat32.CreateImage(imagePath, fat32.FormatOptions{SizeBytes: 64 << 20}, fat32.WithLogger(log))
		if err != nil {
			b.Fatal(err)
		}

		for j := 0; j < 10; j++ {
			dir := fmt.Sprintf("/dir%d", j)
			if err := img.Mkdir(dir); err != nil {
				b.Fatal(err)
			}
			for k := 0; k < 5; k++ {
				p := fmt.Sprintf("%s/file%d.txt", dir, k)
				if err := img.WriteFile(p, []byte(fmt.Sprintf("Content %d-%d", j, k))); err != nil {
					b.Fatal(err)
				}
			}
		}

		if err := img.Save(); err != nil {
			b.Fatal(err)
		}
		if err := img.Close(); err != nil {
			b.Fatal(err)
		}

		os.Remove(imagePath)
	}
}
