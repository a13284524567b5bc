// SPDX-License-Identifier: MPL-2.0

package pkgindex

import (
	"bufio"
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

// AllCategory holds every package regardless of its listed categories.
const AllCategory = "All"

// fieldCount is the number of '|' separated fields read from an index line.
// Later fields are ignored.
const fieldCount = 9

const (
	// KindCategory nodes own package nodes.
	KindCategory Kind = iota + 1
	// KindPackage nodes describe one installable package.
	KindPackage
)

// ErrUnknownPackage is returned for a name the index does not list.
var ErrUnknownPackage = errors.New("package not in index")

type (
	// Kind distinguishes category nodes from package nodes.
	Kind int

	// Node is a category or a package. A package appears under every category
	// it lists, as the same *Node.
	Node struct {
		Kind Kind
		Name string

		Path       string
		Prefix     string
		Comment    string
		DescrFile  string
		Maintainer string
		Categories []string
		BuildDeps  []string
		RunDeps    []string

		Children []*Node
	}

	// Index is a parsed package INDEX: categories of packages, plus the packages
	// the user has selected.
	Index struct {
		Categories []*Node
		Selected   []*Node

		byName     map[string]*Node
		categories map[string]*Node
	}

	// ParseError reports a malformed index line.
	ParseError struct {
		Line int
		Msg  string
	}
)

func (e *ParseError) Error() string {
	return fmt.Sprintf("index line %d: %s", e.Line, e.Msg)
}

// ParseFile parses the index at path.
func ParseFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads lines of the form
//
//	name|path|prefix|comment|descr-file|maintainer|categories|builddeps|rundeps
//
// Categories and dependencies are space separated. Blank lines are skipped,
// as are fields past rundeps.
func Parse(r io.Reader) (*Index, error) {
	ix := &Index{
		byName:     make(map[string]*Node),
		categories: make(map[string]*Node),
	}
	all := ix.category(AllCategory)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}

		f := strings.Split(text, "|")
		if len(f) < fieldCount {
			return nil, &ParseError{Line: line, Msg: fmt.Sprintf("want %d fields, got %d", fieldCount, len(f))}
		}
		name := strings.TrimSpace(f[0])
		if name == "" {
			return nil, &ParseError{Line: line, Msg: "empty package name"}
		}
		if _, dup := ix.byName[name]; dup {
			return nil, &ParseError{Line: line, Msg: fmt.Sprintf("duplicate package %q", name)}
		}

		pkg := &Node{
			Kind:       KindPackage,
			Name:       name,
			Path:       f[1],
			Prefix:     f[2],
			Comment:    f[3],
			DescrFile:  f[4],
			Maintainer: f[5],
			Categories: strings.Fields(f[6]),
			BuildDeps:  strings.Fields(f[7]),
			RunDeps:    strings.Fields(f[8]),
		}
		ix.byName[name] = pkg
		all.Children = append(all.Children, pkg)
		for _, c := range pkg.Categories {
			if c == AllCategory {
				continue
			}
			cat := ix.category(c)
			cat.Children = append(cat.Children, pkg)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	byName := func(a, b *Node) int { return cmp.Compare(a.Name, b.Name) }
	slices.SortFunc(ix.Categories, byName)
	for _, c := range ix.Categories {
		slices.SortFunc(c.Children, byName)
	}
	return ix, nil
}

func (ix *Index) category(name string) *Node {
	if c, ok := ix.categories[name]; ok {
		return c
	}
	c := &Node{Kind: KindCategory, Name: name}
	ix.categories[name] = c
	ix.Categories = append(ix.Categories, c)
	return c
}

// Len returns the number of packages.
func (ix *Index) Len() int {
	return len(ix.byName)
}

// Lookup returns the package named name, or nil.
func (ix *Index) Lookup(name string) *Node {
	return ix.byName[name]
}

// Category returns the category named name, or nil.
func (ix *Index) Category(name string) *Node {
	return ix.categories[name]
}

// Search returns every package whose name contains substr, searching all
// categories. Each package is listed once, in name order.
func (ix *Index) Search(substr string) []*Node {
	seen := make(map[*Node]bool)
	var out []*Node
	for _, c := range ix.Categories {
		for _, p := range c.Children {
			if seen[p] || !strings.Contains(p.Name, substr) {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b *Node) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Select adds the named package to Selected. Selecting twice is a no-op.
func (ix *Index) Select(name string) error {
	p := ix.Lookup(name)
	if p == nil {
		return fmt.Errorf("%s: %w", name, ErrUnknownPackage)
	}
	if !slices.Contains(ix.Selected, p) {
		ix.Selected = append(ix.Selected, p)
	}
	return nil
}

// Deselect removes the named package from Selected.
func (ix *Index) Deselect(name string) {
	ix.Selected = slices.DeleteFunc(ix.Selected, func(p *Node) bool { return p.Name == name })
}

// IsSelected reports whether the named package is selected.
func (ix *Index) IsSelected(name string) bool {
	return slices.ContainsFunc(ix.Selected, func(p *Node) bool { return p.Name == name })
}
