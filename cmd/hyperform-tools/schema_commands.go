package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lychee-technology/hyperform"
)

func runNormalizeSchema(args []string) error {
	flags := newFlagSet("normalize-schema", "-ref <schema ref> [options]")
	opts := clientOptions{}
	opts.register(flags)
	ref := flags.String("ref", "", "schema reference, relative to the base URL (required)")
	instanceKeys := flags.String("instance-keys", "", "comma separated keys of a concrete instance")
	includeHidden := flags.Bool("include-hidden", false, "list hidden properties too")
	allow := flags.String("allow", "", "comma separated allow-list of property names")
	block := flags.String("block", "", "comma separated block-list of property names")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *ref == "" {
		return fmt.Errorf("-ref is required")
	}

	ctx := context.Background()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	listOpts := hyperform.PropertyListOptions{
		IncludeHidden: *includeHidden,
		AllowList:     splitList(*allow),
		BlockList:     splitList(*block),
	}
	return normalizeSchema(ctx, client.Schemas, *ref, splitList(*instanceKeys), listOpts, os.Stdout)
}

type normalizeReport struct {
	Ref        string                          `json:"ref"`
	Schema     *hyperform.NormalizedSchema     `json:"schema"`
	Properties []hyperform.PropertyDescription `json:"properties,omitempty"`
	Error      string                          `json:"error,omitempty"`
}

// normalizeSchema prints the normalized schema at ref. A contradictory schema
// is reported with its degraded form rather than failing the command.
func normalizeSchema(ctx context.Context, schemas hyperform.SchemaService, ref string, instanceKeys []string, opts hyperform.PropertyListOptions, out io.Writer) error {
	n, err := schemas.GetNormalizedSchema(ctx, ref)
	if err != nil {
		return err
	}
	report := normalizeReport{Ref: ref}
	report.Schema, err = n.Normalized()
	if err != nil {
		report.Error = err.Error()
		return writeJSON(out, report)
	}
	if n.MainType() == hyperform.TypeObject {
		report.Properties, err = n.GetPropertyList(instanceKeys, opts)
		if err != nil {
			report.Error = err.Error()
		}
	}
	return writeJSON(out, report)
}

func runInlineSchema(args []string) error {
	flags := newFlagSet("inline-schema", "-ref <schema ref> [options]")
	opts := clientOptions{}
	opts.register(flags)
	ref := flags.String("ref", "", "schema reference, relative to the base URL (required)")
	outputFile := flags.String("out", "", "Path to write the inlined schema (defaults to stdout)")
	keepExtensions := flags.Bool("keep-extensions", false, "keep x-* extension keywords")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *ref == "" {
		return fmt.Errorf("-ref is required")
	}

	ctx := context.Background()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	doc, err := client.Schemas.GetSchema(ctx, *ref)
	if err != nil {
		return err
	}
	_, fragment := hyperform.SplitRef(*ref)
	resolved, err := doc.ResolveSchema(ctx, fragment)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(inlineSchema(resolved, *keepExtensions), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if *outputFile == "" {
		fmt.Println(string(encoded))
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(*outputFile), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(*outputFile, encoded, 0o644); err != nil {
		return fmt.Errorf("write output file: %w", err)
	}
	fmt.Printf("Inlined schema written, output: %s\n", *outputFile)
	return nil
}

// schemaInliner turns a resolved schema graph back into one JSON document.
// A schema reached again while it is being inlined becomes a $ref to its
// origin, so cycles stay finite.
type schemaInliner struct {
	keepExtensions bool
	active         map[*hyperform.SchemaBody]bool
}

func inlineSchema(r *hyperform.ResolvedSchema, keepExtensions bool) any {
	in := &schemaInliner{keepExtensions: keepExtensions, active: map[*hyperform.SchemaBody]bool{}}
	return in.inline(r)
}

func (in *schemaInliner) inline(r *hyperform.ResolvedSchema) any {
	if r == nil || r.Body == nil {
		return hyperform.NewObject()
	}
	b := r.Body
	if b.Boolean != nil {
		return *b.Boolean
	}
	if in.active[b] {
		ref := hyperform.NewObject()
		ref.Set("$ref", r.OriginRef)
		return ref
	}
	in.active[b] = true
	defer delete(in.active, b)

	out := hyperform.NewObject()
	if b.Keywords != nil {
		for _, k := range b.Keywords.Keys() {
			if !in.keepExtensions && strings.HasPrefix(k, "x-") {
				continue
			}
			v, _ := b.Keywords.Get(k)
			out.Set(k, v)
		}
	}
	in.setList(out, "allOf", b.AllOf)
	in.setList(out, "anyOf", b.AnyOf)
	in.setList(out, "oneOf", b.OneOf)
	in.setOne(out, "not", b.Not)
	in.setOne(out, "if", b.If)
	in.setOne(out, "then", b.Then)
	in.setOne(out, "else", b.Else)
	in.setMap(out, "properties", b.PropertyNames, b.Properties)
	in.setMap(out, "patternProperties", b.PatternNames, b.PatternProperties)
	in.setOne(out, "additionalProperties", b.AdditionalProperties)
	in.setOne(out, "items", b.Items)
	in.setList(out, "items", b.TupleItems)
	in.setOne(out, "contains", b.Contains)
	in.setOne(out, "additionalItems", b.AdditionalItems)
	return out
}

func (in *schemaInliner) setOne(out *hyperform.Object, key string, r *hyperform.ResolvedSchema) {
	if r != nil {
		out.Set(key, in.inline(r))
	}
}

func (in *schemaInliner) setList(out *hyperform.Object, key string, list []*hyperform.ResolvedSchema) {
	if len(list) == 0 {
		return
	}
	items := make([]any, len(list))
	for i, r := range list {
		items[i] = in.inline(r)
	}
	out.Set(key, items)
}

func (in *schemaInliner) setMap(out *hyperform.Object, key string, names []string, m map[string]*hyperform.ResolvedSchema) {
	if len(names) == 0 {
		return
	}
	obj := hyperform.NewObject()
	for _, name := range names {
		obj.Set(name, in.inline(m[name]))
	}
	out.Set(key, obj)
}

func runValidate(args []string) error {
	flags := newFlagSet("validate", "-ref <schema ref> -instance <file> [options]")
	opts := clientOptions{}
	opts.register(flags)
	ref := flags.String("ref", "", "schema reference, relative to the base URL (required)")
	instanceFile := flags.String("instance", "", "JSON file to validate, - for stdin (required)")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *ref == "" || *instanceFile == "" {
		return fmt.Errorf("-ref and -instance are required")
	}

	var data []byte
	var err error
	if *instanceFile == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*instanceFile)
	}
	if err != nil {
		return fmt.Errorf("read instance: %w", err)
	}

	ctx := context.Background()
	client, err := opts.client(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Schemas.Validate(ctx, *ref, json.RawMessage(data)); err != nil {
		return err
	}
	fmt.Println("valid")
	return nil
}
