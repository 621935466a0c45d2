// gen-crd generates the Superset CRD with the spec and status schemas
// reflected from the API types.
//
// Usage: go run ./cmd/gen-crd -out config/crd/bases/superset.ngl.cx_supersets.yaml
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lukasngl/superset-operator/internal/crd"
)

func main() {
	var outFile, baseFile string
	flag.StringVar(&outFile, "out", "", "Output file path (required)")
	flag.StringVar(&baseFile, "base", crd.DefaultBaseCRDPath, "Base CRD file path")
	flag.Parse()

	if outFile == "" {
		fmt.Fprintln(os.Stderr, "error: -out flag is required")
		flag.Usage()
		os.Exit(1)
	}

	out, err := crd.Generate(baseFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error generating CRD: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(outFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating directory: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outFile, out, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s\n", outFile)
}
