package main

import (
	"fmt"
	"os"

	"github.com/lychee-technology/hyperform"
	"github.com/lychee-technology/hyperform/factory"
	"go.uber.org/zap"
)

func main() {
	logger, err := factory.NewLogger(hyperform.LoggingConfig{
		Level:  getenvDefault("LOG_LEVEL", "info"),
		Format: getenvDefault("LOG_FORMAT", "json"),
	})
	if err != nil {
		panic(fmt.Errorf("failed to set up logger: %w", err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	commands := map[string]func([]string) error{
		"resolve-url":      runResolveURL,
		"build-url":        runBuildURL,
		"normalize-schema": runNormalizeSchema,
		"inline-schema":    runInlineSchema,
		"validate":         runValidate,
		"export-snapshot":  runExportSnapshot,
		"init-cache-db":    runInitCacheDB,
	}
	run, ok := commands[os.Args[1]]
	if !ok {
		sugar.Errorf("unknown command %q", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err := run(os.Args[2:]); err != nil {
		sugar.Fatalf("%s: %v", os.Args[1], err)
	}
}

func printUsage() {
	logger := zap.S()
	logger.Info("Usage: hyperform-tools <command> [options]")
	logger.Info("")
	logger.Info("Commands:")
	logger.Info("  resolve-url        Decode a client URL into the API link it addresses")
	logger.Info("  build-url          Encode a resource type and key as a client URL")
	logger.Info("  normalize-schema   Print the normalized schema and property list at a schema ref")
	logger.Info("  inline-schema      Print a schema with every $ref resolved in place")
	logger.Info("  validate           Validate a JSON instance against a schema ref")
	logger.Info("  export-snapshot    Crawl the API and write an offline snapshot")
	logger.Info("  init-cache-db      Create the response cache table in PostgreSQL or DuckDB")
}
