// Package flatten collapses a nested directory tree into one flat directory.
// Name collisions are resolved with a short content hash so repeated runs
// over identical input produce identical filename sets.
package flatten

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"kbharvest/internal/file"
)

// Common OS artifact files, always skipped unless IncludeHidden is set.
var defaultIgnore = []*regexp.Regexp{
	regexp.MustCompile(`\.DS_Store$`),
	regexp.MustCompile(`^\._`),
	regexp.MustCompile(`(?i)^Thumbs\.db$`),
	regexp.MustCompile(`(?i)^desktop\.ini$`),
}

const hashLen = 8

// Options tunes one flatten run.
type Options struct {
	// IncludeHidden keeps dotfiles and OS artifact files.
	IncludeHidden bool
	// IgnorePatterns are extra filename regexps to skip.
	IgnorePatterns []string
	// IncludePatterns, when non-empty, restricts copying to filenames
	// matching at least one pattern. Applied before the collision check.
	IncludePatterns []string
}

// Result summarizes a flatten run.
type Result struct {
	Copied     int
	Skipped    int
	Collisions int
}

// Flatten copies every leaf file under inputDir into outputDir, dropping the
// nested structure. The first file to claim a name keeps it; later files
// with the same name get a deterministic content-hash suffix. Walk order is
// lexical, so the outcome is stable across runs.
func Flatten(inputDir, outputDir string, opts Options) (*Result, error) {
	info, err := os.Stat(inputDir)
	if err != nil {
		return nil, fmt.Errorf("stat input dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input path %s is not a directory", inputDir)
	}
	if err := file.EnsureDir(outputDir); err != nil {
		return nil, err
	}

	ignore, err := compilePatterns(opts.IgnorePatterns)
	if err != nil {
		return nil, fmt.Errorf("ignore patterns: %w", err)
	}
	include, err := compilePatterns(opts.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("include patterns: %w", err)
	}

	res := &Result{}
	claimed := make(map[string]struct{})

	walkErr := filepath.WalkDir(inputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if skip(name, opts.IncludeHidden, ignore, include) {
			res.Skipped++
			return nil
		}

		destName := name
		if _, taken := claimed[name]; taken {
			hashed, err := hashedName(path, name)
			if err != nil {
				return err
			}
			destName = hashed
			res.Collisions++
		}
		claimed[name] = struct{}{}

		if err := copyFile(path, filepath.Join(outputDir, destName)); err != nil {
			return err
		}
		res.Copied++
		return nil
	})
	if walkErr != nil {
		return res, fmt.Errorf("flatten %s: %w", inputDir, walkErr)
	}

	log.Info().
		Str("input", inputDir).
		Str("output", outputDir).
		Int("copied", res.Copied).
		Int("skipped", res.Skipped).
		Int("collisions", res.Collisions).
		Msg("directory flattened")
	return res, nil
}

func skip(name string, includeHidden bool, ignore, include []*regexp.Regexp) bool {
	if !includeHidden {
		if strings.HasPrefix(name, ".") {
			return true
		}
		for _, re := range defaultIgnore {
			if re.MatchString(name) {
				return true
			}
		}
	}
	for _, re := range ignore {
		if re.MatchString(name) {
			return true
		}
	}
	if len(include) > 0 {
		for _, re := range include {
			if re.MatchString(name) {
				return false
			}
		}
		return true
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// hashedName builds "<stem>-<hash8><ext>" from the file's content hash.
func hashedName(path, name string) (string, error) {
	h, err := hashFile(path)
	if err != nil {
		return "", err
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s-%s%s", stem, h[:hashLen], ext), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the walked tree
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // path comes from the walked tree
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = in.Close() }()
	return file.CopyAtomic(dst, in)
}
