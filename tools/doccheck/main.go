// Command doccheck validates the user-facing documentation.
// Checks: broken file links and dead source references in README.md
// and the docs/ tree.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	linkRe    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	fileRefRe = regexp.MustCompile("`([a-zA-Z0-9_./-]+\\.(?:go|yaml|yml|json|md|sh))`")
)

func main() {
	root := "."
	if len(os.Args) > 1 {
		root = os.Args[1]
	}

	var docs []string
	if readme := filepath.Join(root, "README.md"); exists(readme) {
		docs = append(docs, readme)
	}
	if docsDir := filepath.Join(root, "docs"); exists(docsDir) {
		err := filepath.Walk(docsDir, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() || !strings.HasSuffix(path, ".md") {
				return nil
			}
			docs = append(docs, path)
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "walk error: %v\n", err)
			os.Exit(1)
		}
	}

	var issues []string
	for _, path := range docs {
		issues = append(issues, checkDoc(root, path)...)
	}

	if len(issues) > 0 {
		fmt.Println("Documentation issues found:")
		for _, issue := range issues {
			fmt.Println("  ", issue)
		}
		os.Exit(1)
	}

	fmt.Println("Documentation check passed.")
}

func checkDoc(root, path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var issues []string
	scanner := bufio.NewScanner(f)
	lineNum := 0
	inFence := false
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		// Fenced blocks hold shell transcripts and config samples, not
		// references into the tree.
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}

		for _, m := range linkRe.FindAllStringSubmatch(line, -1) {
			link := m[2]
			if strings.HasPrefix(link, "http") || strings.HasPrefix(link, "#") {
				continue
			}
			// Resolve relative to the doc, then from the root
			target := filepath.Join(filepath.Dir(path), link)
			if !exists(target) && !exists(filepath.Join(root, link)) {
				issues = append(issues, fmt.Sprintf("%s:%d: broken link %q", path, lineNum, link))
			}
		}

		for _, m := range fileRefRe.FindAllStringSubmatch(line, -1) {
			ref := m[1]
			// Only path-shaped refs; a bare filename is usually a
			// description, not a reference.
			if !strings.Contains(ref, "/") {
				continue
			}
			if !exists(filepath.Join(root, ref)) {
				if strings.HasSuffix(ref, ".go") || strings.HasSuffix(ref, ".yaml") {
					issues = append(issues, fmt.Sprintf("%s:%d: file ref %q not found", path, lineNum, ref))
				}
			}
		}
	}
	return issues
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
