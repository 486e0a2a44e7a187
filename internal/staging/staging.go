// Package staging owns the on-disk contract shared by every backend: the
// per-record private directory, the partial markers and the atomic commit.
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

// DirPrefix prefixes every per-record staging directory.
const DirPrefix = ".transferd-"

const dirPerm = 0755

// PartialSuffixes are the sibling or in-place markers that flag an unfinished file.
var PartialSuffixes = []string{".aria2", ".part", ".ytdl", ".tmp"}

// Dir returns the staging directory of record id inside saveDir.
func Dir(saveDir, id string) string {
	return filepath.Join(saveDir, DirPrefix+id)
}

// IsStagingDir reports whether a base name is a staging directory.
func IsStagingDir(name string) bool {
	return strings.HasPrefix(name, DirPrefix) && len(name) > len(DirPrefix)
}

// IDFromDir extracts the record id from a staging directory path.
func IDFromDir(path string) (string, bool) {
	name := filepath.Base(path)
	if !IsStagingDir(name) {
		return "", false
	}

	return strings.TrimPrefix(name, DirPrefix), true
}

// Ensure creates the staging directory of record id.
func Ensure(saveDir, id string) (string, error) {
	dir := Dir(saveDir, id)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", resourceError(dir, err)
	}

	return dir, nil
}

// IsPartialName reports whether name is itself a marker or partial file.
func IsPartialName(name string) bool {
	for _, s := range PartialSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}

	return false
}

// HasPartialMarker reports whether any marker sibling of path exists.
func HasPartialMarker(path string) bool {
	for _, s := range PartialSuffixes {
		if _, err := os.Stat(path + s); err == nil {
			return true
		}
	}

	return false
}

// DirHasPartials reports whether any file below dir is a marker or partial file.
func DirHasPartials(dir string) bool {
	found := false

	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		if !d.IsDir() && IsPartialName(d.Name()) {
			found = true

			return filepath.SkipAll
		}

		return nil
	})

	return found
}

// Cleanup removes the staging directory and everything in it.
func Cleanup(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return resourceError(dir, err)
	}

	return nil
}

// UniqueName returns name, or "name (n).ext" with the smallest n that does
// not exist in dir.
func UniqueName(dir, name string) string {
	if _, err := os.Lstat(filepath.Join(dir, name)); os.IsNotExist(err) {
		return name
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for i := 1; ; i++ {
		candidate := base + " (" + strconv.Itoa(i) + ")" + ext
		if _, err := os.Lstat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
	}
}

var invalidRunes = []rune("/<>:\"\\|?*")

// SanitizeFileName strips path separators, control characters and characters
// rejected by common filesystems.
func SanitizeFileName(name string) string {
	name = strings.Trim(strings.ToValidUTF8(name, ""), " \033\007\u00A0\t\n\r.")

	var b strings.Builder

	for _, r := range name {
		if unicode.IsPrint(r) && !slices.Contains(invalidRunes, r) {
			b.WriteRune(r)
		}
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return "download"
	}

	return out
}

func sizeOf(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false, err
	}

	if !info.IsDir() {
		return info.Size(), false, nil
	}

	var total int64

	err = filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || IsPartialName(d.Name()) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		total += fi.Size()

		return nil
	})
	if err != nil {
		return 0, true, fmt.Errorf("failed to size %s: %w", path, err)
	}

	return total, true, nil
}

// Size returns the size of path, summing regular non-partial files when path
// is a directory.
func Size(path string) (int64, error) {
	size, _, err := sizeOf(path)

	return size, err
}
