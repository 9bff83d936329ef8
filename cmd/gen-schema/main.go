// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

// Command gen-schema writes the JSON Schema for snapshot documents, the YAML
// files read by `crystal check`.
//
// With --check it writes nothing and exits non-zero when the file on disk is
// stale.
package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/crystalchat/crystal/internal/access/snapshotfile"
)

func main() {
	out := pflag.StringP("output", "o", filepath.Join("schemas", "snapshot.schema.json"), "schema file to write")
	check := pflag.Bool("check", false, "verify the schema file is current instead of writing it")
	pflag.Parse()

	if err := run(*out, *check); err != nil {
		fmt.Fprintf(os.Stderr, "gen-schema: %v\n", err)
		os.Exit(1)
	}
}

func run(out string, check bool) error {
	schema, err := snapshotfile.GenerateSchema()
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	if check {
		current, err := os.ReadFile(out) //nolint:gosec // path comes from the operator
		if err != nil {
			return fmt.Errorf("read %s: %w", out, err)
		}
		if !bytes.Equal(current, schema) {
			return fmt.Errorf("%s is stale; run gen-schema", out)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(out), err)
	}
	if err := os.WriteFile(out, schema, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Printf("wrote %s\n", out)
	return nil
}
