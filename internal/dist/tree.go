// SPDX-License-Identifier: MPL-2.0

package dist

import (
	"fmt"
	"path"
	"slices"
)

type (
	// Node is one selectable distribution. A Node with Children is installed by
	// installing its children; its own archive is never fetched.
	Node struct {
		// ID identifies the node in a Selection. Children are conventionally
		// "<parent id>/<name>".
		ID string
		// Name is the archive base name on the media, e.g. "bin" or "ssys".
		Name string
		// Dir is the extraction directory relative to the install root.
		Dir string
		// Restricted marks export-restricted components. Their absence is a
		// warning, not a failure.
		Restricted bool
		Children   []*Node
	}

	// Selection is the set of node ids the caller wants installed. The extractor
	// removes ids as nodes install and never adds any.
	Selection struct {
		ids map[string]struct{}
	}
)

// NewSelection returns a Selection holding ids.
func NewSelection(ids ...string) *Selection {
	s := &Selection{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

// Add marks id as selected.
func (s *Selection) Add(id string) {
	s.ids[id] = struct{}{}
}

// Remove clears id.
func (s *Selection) Remove(id string) {
	delete(s.ids, id)
}

// Has reports whether id is selected.
func (s *Selection) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of selected ids.
func (s *Selection) Len() int {
	return len(s.ids)
}

// IDs returns the selected ids in sorted order.
func (s *Selection) IDs() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Clone returns an independent copy.
func (s *Selection) Clone() *Selection {
	return NewSelection(s.IDs()...)
}

// MaxPieces is the number of distinct two-letter piece suffixes.
const MaxPieces = 26 * 26

// PieceName returns the suffix of piece i: 0 is "aa", 25 is "az", 26 is "ba".
// It panics if i is outside [0, MaxPieces).
func PieceName(i int) string {
	if i < 0 || i >= MaxPieces {
		panic(fmt.Sprintf("dist: piece index %d out of range", i))
	}
	return string([]byte{byte('a' + i/26), byte('a' + i%26)})
}

// Flatten returns every node of tree in depth-first pre-order.
func Flatten(tree []*Node) []*Node {
	var out []*Node
	var walk func([]*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			out = append(out, n)
			walk(n.Children)
		}
	}
	walk(tree)
	return out
}

// Lookup finds the node with id, or nil.
func Lookup(tree []*Node, id string) *Node {
	for _, n := range Flatten(tree) {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// SelectAll returns a Selection holding every node of tree.
func SelectAll(tree []*Node) *Selection {
	s := NewSelection()
	for _, n := range Flatten(tree) {
		s.Add(n.ID)
	}
	return s
}

// Select returns a Selection for ids and, recursively, their children. Unknown
// ids are returned in the second result.
func Select(tree []*Node, ids ...string) (*Selection, []string) {
	s := NewSelection()
	var unknown []string
	for _, id := range ids {
		n := Lookup(tree, id)
		if n == nil {
			unknown = append(unknown, id)
			continue
		}
		for _, c := range Flatten([]*Node{n}) {
			s.Add(c.ID)
		}
	}
	return s, unknown
}

// Validate reports duplicate or empty ids and names.
func Validate(tree []*Node) error {
	seen := make(map[string]bool)
	for _, n := range Flatten(tree) {
		if n.ID == "" || n.Name == "" {
			return fmt.Errorf("distribution %q: id and name are required", n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("distribution %q: duplicate id", n.ID)
		}
		seen[n.ID] = true
	}
	return nil
}

func leaf(parent, name, dir string, restricted bool) *Node {
	id := name
	if parent != "" {
		id = path.Join(parent, name)
	}
	return &Node{ID: id, Name: name, Dir: dir, Restricted: restricted}
}

func group(id, dir string, names ...string) *Node {
	n := &Node{ID: id, Name: id, Dir: dir}
	for _, name := range names {
		n.Children = append(n.Children, leaf(id, name, dir, false))
	}
	return n
}

// DefaultTree returns the distribution set of a standard release.
func DefaultTree() []*Node {
	return []*Node{
		leaf("", "base", "/", false),
		leaf("", "kernels", "/boot", false),
		leaf("", "doc", "/", false),
		leaf("", "games", "/", false),
		leaf("", "manpages", "/", false),
		leaf("", "catpages", "/", false),
		leaf("", "info", "/", false),
		leaf("", "dict", "/", false),
		leaf("", "proflibs", "/", false),
		leaf("", "lib32", "/", false),
		{
			ID: "crypto", Name: "crypto", Dir: "/", Restricted: true,
			Children: []*Node{
				leaf("crypto", "crypto", "/", true),
				leaf("crypto", "krb5", "/", true),
				leaf("crypto", "ssecure", "/usr/src", true),
				leaf("crypto", "scrypto", "/usr/src", true),
				leaf("crypto", "skrb5", "/usr/src", true),
			},
		},
		group("src", "/usr/src",
			"sbase", "scontrib", "setc", "sgnu", "sinclude", "skrb5", "slib",
			"slibexec", "srelease", "sbin", "ssbin", "sshare", "ssys", "stools",
			"subin", "susbin"),
		leaf("", "ports", "/usr", false),
	}
}
