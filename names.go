package fat32

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/elliotwutingfeng/asciiset"
)

var validShortNameChars, _ = asciiset.MakeASCIISet("!#$%&'()-0123456789@ABCDEFGHIJKLMNOPQRSTUVWXYZ^_`{}~")

// validateName checks a single path component for use as a long name.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	if len(utf16.Encode([]rune(name))) > maxLongNameLen {
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidName, name, maxLongNameLen)
	}

	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(`"*/:<>?\|`, r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, r)
		}
	}

	if strings.Trim(name, " .") == "" {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return nil
}

// upperShortChars upper-cases s and maps every byte that cannot appear in a
// short name to '_'. Spaces and dots are dropped.
func upperShortChars(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r < 0x80 && validShortNameChars.Contains(byte(r)):
			b.WriteRune(r)
		case 'a' <= r && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r == ' ' || r == '.':
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// shortNameParts derives the basis 8.3 name for a long name. needsLong is
// set when the long name cannot be represented by the short entry alone,
// lossy when characters were dropped or the base was truncated so a numeric
// tail is required.
func shortNameParts(name string) (base, ext string, needsLong, lossy bool) {
	rawBase, rawExt := name, ""
	if dot := strings.LastIndex(name, "."); dot > 0 {
		rawBase, rawExt = name[:dot], name[dot+1:]
	}

	ext = upperShortChars(rawExt)
	if len(ext) > 3 {
		ext = ext[:3]
		lossy = true
	}
	if ext != rawExt {
		needsLong = true
	}
	if ext != strings.ToUpper(rawExt) {
		lossy = true
	}

	base = upperShortChars(rawBase)
	if base != rawBase {
		needsLong = true
	}
	if base != strings.ToUpper(rawBase) {
		lossy = true
	}
	if len(base) > 8 {
		base = base[:8]
		lossy = true
	}
	if base == "" {
		base = "_"
		lossy = true
	}
	if lossy {
		needsLong = true
	}

	return base, ext, needsLong, lossy
}

// numericTail applies a "~N" suffix to base, shortening it to stay within 8
// bytes.
func numericTail(base string, n int) string {
	tail := "~" + strconv.Itoa(n)
	keep := 8 - len(tail)
	if len(base) < keep {
		keep = len(base)
	}
	return base[:keep] + tail
}

// shortAlias picks the short name for a new entry. taken reports whether a
// raw 11-byte name already exists in the directory.
func shortAlias(name string, taken func(raw [11]byte) bool) (base, ext string, needsLong bool, err error) {
	base, ext, needsLong, lossy := shortNameParts(name)

	if !lossy {
		if taken(rawShortName(base, ext)) {
			return "", "", false, fmt.Errorf("%w: short name %s.%s", ErrExist, base, ext)
		}
		return base, ext, needsLong, nil
	}

	for n := 1; n < 1_000_000; n++ {
		candidate := numericTail(base, n)
		if !taken(rawShortName(candidate, ext)) {
			return candidate, ext, true, nil
		}
	}

	return "", "", false, fmt.Errorf("%w: no free short alias for %q", ErrExist, name)
}

func rawShortName(base, ext string) [11]byte {
	e := NewShortDirEntry(0, []byte(base), []byte(ext), FileTypeFile)
	return e.RawName()
}
