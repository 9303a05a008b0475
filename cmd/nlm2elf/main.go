// Command nlm2elf converts NetWare Loadable Module images into ELF-32
// objects, either one file at a time or in a batch over a glob pattern.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/zhmu/nlm2elf/internal/atomicio"
	"github.com/zhmu/nlm2elf/internal/cache"
	"github.com/zhmu/nlm2elf/internal/convert"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("nlm2elf", flag.ExitOnError)
	glob := fs.String("glob", "", "batch mode: glob pattern of NLM files to convert")
	outDir := fs.String("out", "", "batch mode: output directory for converted ELF files")
	cacheDir := fs.String("cache", "", "optional conversion cache directory (batch mode only)")
	jobs := fs.Int("jobs", 4, "batch mode: number of files converted concurrently")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *glob != "" {
		return runBatch(*glob, *outDir, *cacheDir, *jobs)
	}
	return runSingle(fs.Args())
}

// runSingle implements the one-shot form: nlm2elf in.nlm out.elf [out.nlm].
func runSingle(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: nlm2elf <input.nlm> <output.elf> [output.nlm]")
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("nlm2elf: %w", err)
	}

	out, res, err := convert.Run(raw, len(args) >= 3)
	if err != nil {
		return fmt.Errorf("nlm2elf: %s: %w", args[0], err)
	}

	if err := atomicio.WriteFile(args[1], out.ELF, 0o644); err != nil {
		return fmt.Errorf("nlm2elf: %w", err)
	}
	if len(args) >= 3 {
		if err := atomicio.WriteFile(args[2], out.NLM, 0o644); err != nil {
			return fmt.Errorf("nlm2elf: %w", err)
		}
	}

	slog.Info("converted", "module", res.ModuleName, "nlm_type", res.NLMType,
		"elf_size", res.ELFSize, "elapsed", res.Elapsed)
	return nil
}

// runBatch implements the multi-file form: nlm2elf -glob '...' -out dir.
func runBatch(pattern, outDir, cacheDir string, jobs int) error {
	if outDir == "" {
		return errors.New("nlm2elf: -out is required with -glob")
	}
	if jobs < 1 {
		jobs = 1
	}

	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return fmt.Errorf("nlm2elf: glob: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("nlm2elf: glob %q matched no files", pattern)
	}

	var c *cache.Cache
	if cacheDir != "" {
		c, err = cache.Open(cacheDir)
		if err != nil {
			return fmt.Errorf("nlm2elf: %w", err)
		}
		defer c.Close()
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("nlm2elf: %w", err)
	}

	sem := make(chan struct{}, jobs)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []string

	for _, path := range matches {
		wg.Add(1)
		sem <- struct{}{}
		go func(path string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := convertOne(path, outDir, c); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", path, err))
				mu.Unlock()
				slog.Warn("nlm2elf: conversion failed", "path", path, "error", err)
			}
		}(path)
	}
	wg.Wait()

	if len(failures) > 0 {
		return fmt.Errorf("nlm2elf: %d of %d files failed:\n%s", len(failures), len(matches), strings.Join(failures, "\n"))
	}
	return nil
}

// convertOne converts a single file during batch mode, consulting and
// populating the cache (if any) and writing the result atomically. A
// failure here is isolated to this file; it never aborts sibling
// conversions in the same batch.
func convertOne(path, outDir string, c *cache.Cache) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	outPath := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))+".elf")

	nlmBytes, err := convert.NLMBytes(raw)
	if err != nil {
		return err
	}

	if c != nil {
		key := cache.ContentHash(nlmBytes)
		if elf, _, ok := c.Get(key); ok {
			slog.Debug("nlm2elf: cache hit", "path", path)
			return atomicio.WriteFile(outPath, elf, 0o644)
		}

		out, _, err := convert.Run(nlmBytes, false)
		if err != nil {
			return err
		}
		if err := c.Put(key, out.ELF, nil); err != nil {
			slog.Warn("nlm2elf: cache store failed", "path", path, "error", err)
		}
		return atomicio.WriteFile(outPath, out.ELF, 0o644)
	}

	out, _, err := convert.Run(nlmBytes, false)
	if err != nil {
		return err
	}
	return atomicio.WriteFile(outPath, out.ELF, 0o644)
}
