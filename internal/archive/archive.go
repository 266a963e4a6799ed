// Package archive bundles a completed task's output tree into a zip file
// for download.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"kbharvest/internal/file"
)

// BuildArchive zips every file under srcDir into a zip at destZipPath,
// preserving paths relative to srcDir. Returns the number of files written.
func BuildArchive(destZipPath, srcDir string) (int, error) {
	if err := file.EnsureDir(filepath.Dir(destZipPath)); err != nil {
		return 0, err
	}
	zipFile, err := os.Create(destZipPath) //nolint:gosec // path is constructed by the application
	if err != nil {
		return 0, fmt.Errorf("create zip file: %w", err)
	}
	zipWriter := zip.NewWriter(zipFile)

	count := 0
	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		if err := addFile(zipWriter, path, filepath.ToSlash(rel)); err != nil {
			return err
		}
		count++
		return nil
	})
	if walkErr != nil {
		_ = zipWriter.Close()
		_ = zipFile.Close()
		return count, fmt.Errorf("walk %s: %w", srcDir, walkErr)
	}

	if err := zipWriter.Close(); err != nil {
		_ = zipFile.Close()
		return count, fmt.Errorf("close zip writer: %w", err)
	}
	if err := zipFile.Close(); err != nil {
		return count, fmt.Errorf("close zip file: %w", err)
	}
	return count, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	in, err := os.Open(path) //nolint:gosec // path comes from the walked tree
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = in.Close() }()

	entry, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", name, err)
	}
	if _, err := io.Copy(entry, in); err != nil {
		return fmt.Errorf("copy into zip: %w", err)
	}
	return nil
}
