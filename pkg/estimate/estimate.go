// Package estimate predicts how many gated requests a test run will make by
// scanning test sources for opt-in markers. It reads files as plain text and
// never executes them.
package estimate

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Options controls a scan.
type Options struct {
	Root            string
	Marker          string
	Suffixes        []string
	RequestsPerCase int
	// Override, when set, is used as the planned count and the scan is skipped.
	Override *int
	Workers  int
	Logger   *slog.Logger
}

// Result is the outcome of Estimate.
type Result struct {
	Files      int            `json:"files"`
	Matches    int            `json:"matches"`
	Planned    int            `json:"planned"`
	Overridden bool           `json:"overridden,omitempty"`
	PerFile    map[string]int `json:"per_file,omitempty"`
}

// declaration matches test(...), test.only(...), it(...) and it.only(...)
// followed by a quoted title. Skipped and fixme'd tests never run and are not
// matched.
var declaration = regexp.MustCompile(
	`(?:^|[^\w.$])(?:test|it)(?:\.only)?\s*\(\s*` +
		`(?:'((?:[^'\\\n]|\\.)*)'|"((?:[^"\\\n]|\\.)*)"|` + "`([^`]*)`" + `)`)

// CountMarked returns the number of test declarations in src whose title
// contains marker.
func CountMarked(src []byte, marker string) int {
	if marker == "" {
		return 0
	}
	n := 0
	for _, m := range declaration.FindAllSubmatch(src, -1) {
		for _, title := range m[1:] {
			if title != nil && strings.Contains(string(title), marker) {
				n++
				break
			}
		}
	}
	return n
}

// Estimate scans opts.Root and returns the predicted request count.
func Estimate(ctx context.Context, opts Options) (Result, error) {
	perCase := opts.RequestsPerCase
	if perCase <= 0 {
		perCase = 1
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("subsystem", "estimate")

	if opts.Override != nil {
		planned := max(0, *opts.Override)
		log.Debug("planned requests overridden, corpus not scanned", "planned", planned)
		return Result{Planned: planned, Overridden: true}, nil
	}

	files, err := collect(opts.Root, opts.Suffixes)
	if err != nil {
		return Result{}, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}

	var (
		mu      sync.Mutex
		perFile = make(map[string]int)
		total   int
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			src, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			n := CountMarked(src, opts.Marker)
			if n == 0 {
				return nil
			}
			rel, err := filepath.Rel(opts.Root, path)
			if err != nil {
				rel = path
			}
			mu.Lock()
			perFile[filepath.ToSlash(rel)] = n
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	log.Debug("test corpus scanned", "root", opts.Root, "files", len(files), "matches", total, "marker", opts.Marker)
	return Result{
		Files:   len(files),
		Matches: total,
		Planned: total * perCase,
		PerFile: perFile,
	}, nil
}

// collect walks root and returns test files with a matching suffix, sorted.
func collect(root string, suffixes []string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("test corpus: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("test corpus %s is not a directory", root)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (name == "node_modules" || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if hasSuffix(d.Name(), suffixes) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk test corpus: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func hasSuffix(name string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}
