// Copyright 2025 The goarchive Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unzip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// ExtractOption configures a batch extraction.
type ExtractOption func(*extractOptions)

type extractOptions struct {
	filters      []func([]*Entry) []*Entry
	workers      int
	haltOnError  bool
	skipExisting bool
}

// FromDir restricts extraction to entries nested under the given
// archive path.
func FromDir(dir string) ExtractOption {
	return func(o *extractOptions) {
		o.filters = append(o.filters, func(entries []*Entry) []*Entry {
			if dir == "" || dir == "." {
				return entries
			}
			prefix := strings.TrimSuffix(dir, "/") + "/"
			result := make([]*Entry, 0, len(entries))
			for _, e := range entries {
				if strings.HasPrefix(e.name, prefix) || e.name == strings.TrimSuffix(dir, "/") {
					result = append(result, e)
				}
			}
			return result
		})
	}
}

// WithoutDir excludes an archive directory and its contents from
// extraction.
func WithoutDir(dir string) ExtractOption {
	return func(o *extractOptions) {
		o.filters = append(o.filters, func(entries []*Entry) []*Entry {
			if dir == "" || dir == "." {
				return entries
			}
			name := strings.TrimSuffix(dir, "/")
			prefix := name + "/"
			result := make([]*Entry, 0, len(entries))
			for _, e := range entries {
				if e.name != name && !strings.HasPrefix(e.name, prefix) {
					result = append(result, e)
				}
			}
			return result
		})
	}
}

// WithWorkers extracts entries with up to n concurrent workers. Entry
// data is read through independent positioned readers, so workers never
// contend on a shared cursor; decompression runs in parallel per entry.
func WithWorkers(n int) ExtractOption {
	return func(o *extractOptions) {
		o.workers = n
	}
}

// HaltOnError stops the batch at the first per-entry failure instead of
// the default continue-and-report behavior.
func HaltOnError() ExtractOption {
	return func(o *extractOptions) {
		o.haltOnError = true
	}
}

// SkipExisting leaves files that already exist at their destination
// untouched, recording them in the Report instead of overwriting.
func SkipExisting() ExtractOption {
	return func(o *extractOptions) {
		o.skipExisting = true
	}
}

// EntryError records a per-entry extraction failure.
type EntryError struct {
	Name string
	Err  error
}

func (e *EntryError) Error() string { return e.Name + ": " + e.Err.Error() }

func (e *EntryError) Unwrap() error { return e.Err }

// Report summarizes a batch extraction.
type Report struct {
	Extracted    int      // Regular files written and verified
	Dirs         int      // Directories created
	Skipped      []string // Entries left untouched by SkipExisting
	BytesWritten int64    // Total decompressed bytes written
	Failed       []*EntryError
}

// Err returns the combined per-entry failures, or nil if every entry
// extracted cleanly.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, fe := range r.Failed {
		errs[i] = fe
	}
	return errors.Join(errs...)
}

// errSkipped marks an entry skipped by SkipExisting; never returned to
// callers.
var errSkipped = errors.New("skipped")

// ExtractEntry extracts a single entry under the destination root,
// creating parent directories as needed. Directory entries are created
// idempotently with zero bytes written. The write is atomic from the
// caller's perspective: on any failure the partial output file is
// removed before the error is returned.
func (a *Archive) ExtractEntry(e *Entry, destRoot string) (int64, error) {
	return a.ExtractEntryWithContext(context.Background(), e, destRoot)
}

// ExtractEntryWithContext extracts a single entry with context support.
func (a *Archive) ExtractEntryWithContext(ctx context.Context, e *Entry, destRoot string) (int64, error) {
	return a.extractEntry(ctx, e, filepath.Clean(destRoot), &extractOptions{})
}

// ExtractAll extracts every entry in central directory order under the
// destination root. Per-entry failures are scoped to their entry: by
// default the batch continues and the Report lists every failure (the
// returned error is then Report.Err); with HaltOnError the batch stops
// at the first failure. Directory-creation no-ops never stop a batch.
func (a *Archive) ExtractAll(destRoot string, options ...ExtractOption) (*Report, error) {
	return a.ExtractAllWithContext(context.Background(), destRoot, options...)
}

// ExtractAllWithContext extracts the archive with context support.
// Cancellation is checked between entries and during entry copies;
// a cancelled batch returns the context error with the Report covering
// what completed.
func (a *Archive) ExtractAllWithContext(ctx context.Context, destRoot string, options ...ExtractOption) (*Report, error) {
	opts := &extractOptions{}
	for _, opt := range options {
		opt(opts)
	}

	destRoot = filepath.Clean(destRoot)

	entries := a.Entries()
	for _, filter := range opts.filters {
		entries = filter(entries)
	}

	if opts.workers > 1 {
		return a.extractParallel(ctx, entries, destRoot, opts)
	}

	report := &Report{}
	var dirsToRestore []*Entry

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		n, err := a.extractEntry(ctx, e, destRoot, opts)
		a.recordOutcome(report, e, n, err, &dirsToRestore)
		if a.config.OnEntryProcessed != nil && !errors.Is(err, errSkipped) {
			a.config.OnEntryProcessed(e, err)
		}

		if err != nil && !errors.Is(err, errSkipped) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return report, err
			}
			if opts.haltOnError {
				return report, &EntryError{Name: e.name, Err: err}
			}
		}
	}

	restoreDirTimes(destRoot, dirsToRestore)
	return report, report.Err()
}

// extractParallel runs the batch over an errgroup with a bounded number
// of workers. Directories are created up front so file workers never
// race on MkdirAll ordering.
func (a *Archive) extractParallel(ctx context.Context, entries []*Entry, destRoot string, opts *extractOptions) (*Report, error) {
	report := &Report{}
	var dirsToRestore []*Entry
	var files []*Entry

	// Directory pass, sequential and cheap.
	for _, e := range entries {
		if !e.isDir {
			files = append(files, e)
			continue
		}
		n, err := a.extractEntry(ctx, e, destRoot, opts)
		a.recordOutcome(report, e, n, err, &dirsToRestore)
		if err != nil {
			if opts.haltOnError {
				return report, &EntryError{Name: e.name, Err: err}
			}
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(opts.workers)

	results := make(chan entryResult, len(files))

	for _, e := range files {
		e := e
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := a.extractEntry(ctx, e, destRoot, opts)
			results <- entryResult{entry: e, written: n, err: err}
			if a.config.OnEntryProcessed != nil && !errors.Is(err, errSkipped) {
				a.config.OnEntryProcessed(e, err)
			}
			if err != nil && opts.haltOnError && !errors.Is(err, errSkipped) {
				return &EntryError{Name: e.name, Err: err}
			}
			return nil
		})
	}

	egErr := eg.Wait()
	close(results)

	for res := range results {
		a.recordOutcome(report, res.entry, res.written, res.err, nil)
	}

	restoreDirTimes(destRoot, dirsToRestore)

	if egErr != nil {
		return report, egErr
	}
	return report, report.Err()
}

type entryResult struct {
	entry   *Entry
	written int64
	err     error
}

// recordOutcome folds one entry's result into the report.
func (a *Archive) recordOutcome(report *Report, e *Entry, written int64, err error, dirsToRestore *[]*Entry) {
	switch {
	case errors.Is(err, errSkipped):
		report.Skipped = append(report.Skipped, e.name)
	case err != nil:
		report.Failed = append(report.Failed, &EntryError{Name: e.name, Err: err})
	case e.isDir:
		report.Dirs++
		if dirsToRestore != nil {
			*dirsToRestore = append(*dirsToRestore, e)
		}
	default:
		report.Extracted++
		report.BytesWritten += written
	}
}

// extractEntry writes one entry beneath destRoot. Returns the number of
// decompressed bytes written.
func (a *Archive) extractEntry(ctx context.Context, e *Entry, destRoot string, opts *extractOptions) (int64, error) {
	dest, err := resolveDestPath(destRoot, e.name)
	if err != nil {
		return 0, err
	}

	if e.isDir {
		if err := os.MkdirAll(dest, dirPerm(e)); err != nil {
			return 0, fmt.Errorf("create directory: %w", err)
		}
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("create parent directory: %w", err)
	}

	if opts.skipExisting {
		if _, err := os.Lstat(dest); err == nil {
			return 0, errSkipped
		}
	}

	src, err := a.openEntry(e)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm(e))
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	written, err := io.Copy(dst, &contextReader{ctx: ctx, r: src})
	if err == nil {
		// Verification verdict: CRC-32 and exact length.
		err = src.Close()
	}
	if closeErr := dst.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("write file: %w", closeErr)
	}

	if err != nil {
		// Never leave a partial or unverified file behind.
		os.Remove(dest)
		return 0, err
	}

	// Best-effort metadata restore; filesystems without support are not
	// an extraction failure.
	if !e.modTime.IsZero() {
		os.Chtimes(dest, time.Now(), e.modTime)
	}

	return written, nil
}

// resolveDestPath maps an untrusted stored entry name to a path under
// root. The stored name is normalized (separators converted, leading
// slashes and drive prefixes stripped, segments cleaned) and rejected
// with ErrInsecurePath when any ".." segment survives normalization or
// the joined path escapes the root.
func resolveDestPath(root, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")

	// Drive-like prefix ("C:...") from DOS-era archivers.
	if len(name) >= 2 && name[1] == ':' && isDriveLetter(name[0]) {
		name = name[2:]
	}
	name = strings.TrimPrefix(name, "/")

	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("%w: empty entry name", ErrInsecurePath)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s", ErrInsecurePath, name)
	}

	dest := filepath.Join(root, filepath.FromSlash(cleaned))

	// Containment check on the joined result; path.Clean above should
	// already guarantee it, but the stored name is hostile input.
	if dest != root && !strings.HasPrefix(dest, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrInsecurePath, name)
	}
	return dest, nil
}

func isDriveLetter(b byte) bool {
	return ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

func filePerm(e *Entry) fs.FileMode {
	perm := e.mode & fs.ModePerm
	if perm == 0 {
		perm = 0644
	}
	return perm
}

func dirPerm(e *Entry) fs.FileMode {
	perm := e.mode & fs.ModePerm
	if perm == 0 {
		perm = 0755
	}
	return perm
}

// restoreDirTimes resets directory mtimes deepest-first, after all the
// file writes into them are done.
func restoreDirTimes(destRoot string, dirs []*Entry) {
	for i := len(dirs) - 1; i >= 0; i-- {
		e := dirs[i]
		if e.modTime.IsZero() {
			continue
		}
		if dest, err := resolveDestPath(destRoot, e.name); err == nil {
			os.Chtimes(dest, time.Now(), e.modTime)
		}
	}
}
