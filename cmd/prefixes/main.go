package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"cdn_ip_tester/internal/shared/logger"
	"cdn_ip_tester/internal/shared/types"
	"cdn_ip_tester/ippool/scraper"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("prefixes", flag.ContinueOnError)
	query := fs.String("query", "cloudflare", "Search term on bgp.he.net")
	outDir := fs.String("out-dir", ".", "Directory for the prefix lists")
	prefix := fs.String("prefix", "cf", "File name prefix: <prefix>-v4.txt, <prefix>-v6.txt")
	baseURL := fs.String("base-url", scraper.DefaultBGPHEURL, "bgp.he.net base URL")
	workers := fs.Int("workers", scraper.DefaultWorkers, "Concurrent AS page fetches")
	logLevel := fs.String("log-level", "info", "Log level")
	logFile := fs.String("log-file", "", "Also append log lines to this file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	closer, err := logger.Init(types.LogConf{Level: *logLevel, File: *logFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		return 1
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := scraper.Collect(ctx, scraper.NewBGPHEScraper(*baseURL), *query, *workers)
	if err != nil {
		logger.Error().Err(err).Str("query", *query).Msg("Failed to collect prefixes.")
		return 1
	}

	for _, f := range []struct {
		path string
		list []string
	}{
		{filepath.Join(*outDir, *prefix+"-v4.txt"), res.V4},
		{filepath.Join(*outDir, *prefix+"-v6.txt"), res.V6},
	} {
		if err := os.WriteFile(f.path, []byte(scraper.FormatList(f.list)), 0644); err != nil {
			logger.Error().Err(err).Str("path", f.path).Msg("Failed to write prefix list.")
			return 1
		}
		logger.Info().Str("path", f.path).Int("count", len(f.list)).Msg("Prefix list written.")
	}
	logger.Info().Int("as_count", len(res.ASNames)).Msg("Done.")
	return 0
}
