// Package main is the entry point for telecloud-meta, the manifest
// export/import tool.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	_ "modernc.org/sqlite"
	"gopkg.in/yaml.v3"

	"github.com/telecloud/telecloud/internal/serialization"
)

func resolveDBPath(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	manifest, _ := raw["manifest"].(map[string]any)
	if manifest == nil {
		return "./data/manifest.db", nil
	}
	path, _ := manifest["path"].(string)
	if path == "" {
		return "./data/manifest.db", nil
	}
	return path, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: telecloud-meta <export|import> [flags]")
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\nUsage: telecloud-meta <export|import> [flags]\n", command)
		os.Exit(1)
	}
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "telecloud.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	tables := fs.String("tables", "", "Comma-separated table names")
	fs.Parse(args)

	db := *dbPath
	if db == "" {
		var err error
		db, err = resolveDBPath(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			return 1
		}
	}

	tableList := serialization.AllTables
	if *tables != "" {
		tableList = strings.Split(*tables, ",")
		for i := range tableList {
			tableList[i] = strings.TrimSpace(tableList[i])
		}
		valid := make(map[string]bool)
		for _, t := range serialization.AllTables {
			valid[t] = true
		}
		for _, t := range tableList {
			if !valid[t] {
				fmt.Fprintf(os.Stderr, "Error: invalid table name: %s\n", t)
				return 1
			}
		}
	}

	result, err := serialization.ExportManifest(db, &serialization.ExportOptions{Tables: tableList})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(result)
	} else {
		if err := os.WriteFile(*output, []byte(result+"\n"), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	}

	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "telecloud.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Replace mode (DELETE then INSERT)")
	fs.Parse(args)

	db := *dbPath
	if db == "" {
		var err error
		db, err = resolveDBPath(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			return 1
		}
	}

	var jsonData []byte
	var err error
	if *input == "-" {
		jsonData, err = io.ReadAll(os.Stdin)
	} else {
		jsonData, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	result, err := serialization.ImportManifest(db, string(jsonData), &serialization.ImportOptions{
		Replace: *replace,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	for _, table := range serialization.AllTables {
		if n, ok := result.Counts[table]; ok {
			fmt.Fprintf(os.Stderr, "%s: %d imported, %d skipped\n", table, n, result.Skipped[table])
		}
	}

	return 0
}
