// Package main is the entry point for pixcache-admin, the preview catalog tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/pixcache/pixcache/internal/cache"
	"github.com/pixcache/pixcache/internal/catalog"
	"github.com/pixcache/pixcache/internal/config"
	"github.com/pixcache/pixcache/internal/logging"
	"github.com/pixcache/pixcache/internal/pipeline"
	"github.com/pixcache/pixcache/internal/preview"
	"github.com/pixcache/pixcache/internal/serialization"
	"github.com/pixcache/pixcache/internal/storage"
	"github.com/pixcache/pixcache/internal/transform"
)

const usage = "Usage: pixcache-admin <list|purge|export|import> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	var rc int
	switch command := os.Args[1]; command {
	case "list":
		rc = runList(os.Args[2:])
	case "purge":
		rc = runPurge(os.Args[2:])
	case "export":
		rc = runExport(os.Args[2:])
	case "import":
		rc = runImport(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		rc = 1
	}
	os.Exit(rc)
}

// loadConfig reads the config file and quiets logging to warnings so
// command output stays readable.
func loadConfig(path string) (*config.Config, bool) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		return nil, false
	}
	logging.Setup("warn", cfg.Logging.Format, os.Stderr)
	return cfg, true
}

func openCatalog(ctx context.Context, cfg *config.Config) (catalog.Store, bool) {
	store, err := catalog.New(ctx, cfg.Catalog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening catalog: %v\n", err)
		return nil, false
	}
	return store, true
}

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "pixcache.yaml", "Config file path")
	bucket := fs.String("bucket", "", "Only list previews in this bucket")
	object := fs.String("object", "", "Only list previews of this object (requires -bucket)")
	fs.Parse(args)

	if *object != "" && *bucket == "" {
		fmt.Fprintln(os.Stderr, "Error: -object requires -bucket")
		return 1
	}

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return 1
	}
	ctx := context.Background()
	store, ok := openCatalog(ctx, cfg)
	if !ok {
		return 1
	}
	defer store.Close()

	var (
		records []catalog.Record
		err     error
	)
	if *object != "" {
		records, err = store.ListForObject(ctx, *bucket, *object)
	} else {
		records, err = store.List(ctx, *bucket)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing catalog: %v\n", err)
		return 1
	}

	printRecords(os.Stdout, records)
	return 0
}

func printRecords(w io.Writer, records []catalog.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUCKET\tOBJECT\tSIZE\tBYTES\tPREVIEW\tCREATED")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.Bucket, rec.ObjectPath, rec.Size, rec.Bytes, rec.PreviewPath,
			rec.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}

func runPurge(args []string) int {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	configPath := fs.String("config", "pixcache.yaml", "Config file path")
	bucket := fs.String("bucket", "", "Bucket of the original")
	object := fs.String("object", "", "Object path of the original")
	fs.Parse(args)

	if *bucket == "" || *object == "" {
		fmt.Fprintln(os.Stderr, "Error: -bucket and -object are required")
		return 1
	}

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return 1
	}
	ctx := context.Background()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening storage: %v\n", err)
		return 1
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	ephemeral, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening cache: %v\n", err)
		return 1
	}
	defer ephemeral.Close()

	records, ok := openCatalog(ctx, cfg)
	if !ok {
		return 1
	}
	defer records.Close()

	format, err := transform.ParseFormat(cfg.Transform.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	engine, err := transform.NewEngine(transform.Options{Format: format, Quality: cfg.Transform.Quality, Filter: cfg.Transform.Filter})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	orch, err := pipeline.NewOrchestrator(pipeline.Options{
		Store:   store,
		Cache:   ephemeral,
		Catalog: records,
		Engine:  engine,
		Deriver: preview.NewDeriver(cfg.Transform.PreviewPrefix, format.Ext(), cfg.Cache.KeyPrefix),
		TTL:     cfg.CacheTTL(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	n, err := orch.PurgePreviews(ctx, *bucket, *object)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error purging previews: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Purged %d preview(s) of %s/%s\n", n, *bucket, *object)
	return 0
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "pixcache.yaml", "Config file path")
	bucket := fs.String("bucket", "", "Only export previews in this bucket")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	fs.Parse(args)

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return 1
	}
	ctx := context.Background()
	store, ok := openCatalog(ctx, cfg)
	if !ok {
		return 1
	}
	defer store.Close()

	result, err := serialization.ExportCatalog(ctx, store, &serialization.ExportOptions{Bucket: *bucket})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(result)
		return 0
	}
	if err := os.WriteFile(*output, []byte(result+"\n"), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "pixcache.yaml", "Config file path")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Delete every existing record before importing")
	fs.Parse(args)

	var (
		jsonData []byte
		err      error
	)
	if *input == "-" {
		jsonData, err = io.ReadAll(os.Stdin)
	} else {
		jsonData, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return 1
	}
	ctx := context.Background()
	store, ok := openCatalog(ctx, cfg)
	if !ok {
		return 1
	}
	defer store.Close()

	result, err := serialization.ImportCatalog(ctx, store, string(jsonData), &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	msg := fmt.Sprintf("  previews: %d imported", result.Imported)
	if result.Skipped > 0 {
		msg += fmt.Sprintf(", %d skipped", result.Skipped)
	}
	fmt.Fprintln(os.Stderr, msg)
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}
