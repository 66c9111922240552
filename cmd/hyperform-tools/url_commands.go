package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/lychee-technology/hyperform"
)

func runResolveURL(args []string) error {
	flags := newFlagSet("resolve-url", "-path <client path> [options]")
	opts := clientOptions{}
	opts.register(flags)
	clientPath := flags.String("path", "", "client URL path, e.g. /ont-namespace/:core/ont-type/:person (required)")
	query := flags.String("query", "", "query string merged into the resolved link, e.g. version=3")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *clientPath == "" {
		return fmt.Errorf("-path is required")
	}
	values, err := url.ParseQuery(*query)
	if err != nil {
		return fmt.Errorf("parse -query: %w", err)
	}

	ctx := context.Background()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	return resolveURL(ctx, client.Api, *clientPath, values, os.Stdout)
}

func resolveURL(ctx context.Context, api hyperform.ApiService, clientPath string, query url.Values, out io.Writer) error {
	link, err := api.ResolveClientURL(ctx, clientPath, query)
	if err != nil {
		return err
	}
	return writeJSON(out, link)
}

func runBuildURL(args []string) error {
	flags := newFlagSet("build-url", "-type <resource type> -key <k=v,...> [options]")
	opts := clientOptions{}
	opts.register(flags)
	resourceType := flags.String("type", "", "resource type of the target (required)")
	key := flags.String("key", "", "resource key as comma separated k=v pairs")
	extra := flags.String("extra", "", "additional key entries carried in the client URL")
	query := flags.String("query", "", "query key values, e.g. version=3")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *resourceType == "" {
		return fmt.Errorf("-type is required")
	}
	keyMap, err := parseKeyValues(*key)
	if err != nil {
		return fmt.Errorf("parse -key: %w", err)
	}
	extraMap, err := parseKeyValues(*extra)
	if err != nil {
		return fmt.Errorf("parse -extra: %w", err)
	}
	values, err := url.ParseQuery(*query)
	if err != nil {
		return fmt.Errorf("parse -query: %w", err)
	}

	ctx := context.Background()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	return buildURL(ctx, client.Api, *resourceType, keyMap, values, extraMap, os.Stdout)
}

// buildURL loads the root so its keyed links are known, instantiates the link
// for the key and prints its client path.
func buildURL(ctx context.Context, api hyperform.ApiService, resourceType string, key map[string]string, query url.Values, extra map[string]string, out io.Writer) error {
	if _, err := api.Root(ctx); err != nil {
		return err
	}
	link, err := api.ResolveApiLinkKey(key, resourceType, query)
	if err != nil {
		return err
	}
	clientURL, err := api.BuildClientURL(link, extra)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, clientURL)
	return err
}
