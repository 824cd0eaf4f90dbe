// Package main implements an import restriction linter for the audit
// core.
//
// The canonical-form, crypto and ledger packages are everything an
// offline verifier of an exported chain has to trust. This scans them
// and ensures no service-layer package leaks inside that boundary.
//
// Usage:
//
//	go run tools/corecheck/main.go [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
)

// coreDirs are the packages an exported-chain verifier depends on.
var coreDirs = []string{
	"pkg/canonical",
	"pkg/crypto",
	"pkg/ledger",
}

// Forbidden import path fragments. Any non-test Go file in a core
// package that imports one of these drags the service stack into the
// verification boundary.
var forbiddenFragments = []string{
	"pkg/api",
	"pkg/pipeline",
	"pkg/adapters",
	"pkg/store",
	"pkg/intervention",
	"pkg/resultcache",
	"pkg/imagestore",
	"pkg/observability",
	"pkg/quality",
	"apps/",
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()

	violations := 0
	fset := token.NewFileSet()

	for _, dir := range coreDirs {
		pkgDir := filepath.Join(*root, dir)
		if _, err := os.Stat(pkgDir); os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "ERROR: %s does not exist\n", pkgDir)
			os.Exit(1)
		}

		err := filepath.Walk(pkgDir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				if info.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}

			f, parseErr := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if parseErr != nil {
				fmt.Fprintf(os.Stderr, "WARN: parse error in %s: %v\n", path, parseErr)
				return nil
			}

			for _, v := range checkFile(fset, f, forbiddenFragments) {
				fmt.Printf("CORE VIOLATION: %s\n", v)
				violations++
			}
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: walk failed: %v\n", err)
			os.Exit(1)
		}
	}

	if violations > 0 {
		fmt.Printf("\n❌ %d audit core violation(s) found\n", violations)
		os.Exit(1)
	}

	fmt.Println("✅ audit core isolation check passed — no service imports in the verification core")
}

// checkFile reports every forbidden import in one parsed file.
func checkFile(fset *token.FileSet, f *ast.File, fragments []string) []string {
	var violations []string
	for _, imp := range f.Imports {
		importPath := strings.Trim(imp.Path.Value, `"`)
		for _, frag := range fragments {
			if strings.Contains(importPath, frag) {
				pos := fset.Position(imp.Pos())
				violations = append(violations,
					fmt.Sprintf("%s:%d imports %q (forbidden: %q)", pos.Filename, pos.Line, importPath, frag))
			}
		}
	}
	return violations
}
