// SPDX-License-Identifier: MPL-2.0

package dist

import (
	_ "embed"
	"fmt"
	"os"
	"path"

	"github.com/sysinst/sysinst/pkg/cueutil"
)

const maxTreeFileSize int64 = 256 * 1024

//go:embed tree_schema.cue
var treeSchema string

type (
	treeFile struct {
		Dists []treeEntry `json:"dists"`
	}

	treeEntry struct {
		Name       string      `json:"name"`
		ID         string      `json:"id"`
		Dir        string      `json:"dir"`
		Restricted *bool       `json:"restricted"`
		Children   []treeEntry `json:"children"`
	}
)

// LoadTree reads a distribution tree from a CUE file.
func LoadTree(filename string) ([]*Node, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read distribution tree: %w", err)
	}
	return ParseTree(data, filename)
}

// ParseTree decodes a distribution tree document. Top-level entries default
// to dir "/" and to unrestricted.
func ParseTree(data []byte, filename string) ([]*Node, error) {
	res, err := cueutil.ParseAndDecode[treeFile]([]byte(treeSchema), data, "#Tree",
		cueutil.WithFilename(filename),
		cueutil.WithMaxFileSize(maxTreeFileSize),
	)
	if err != nil {
		return nil, err
	}

	tree := buildNodes(res.Value.Dists, &Node{Dir: "/"})
	if err := Validate(tree); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return tree, nil
}

func buildNodes(entries []treeEntry, parent *Node) []*Node {
	nodes := make([]*Node, 0, len(entries))
	for _, e := range entries {
		n := &Node{
			ID:         e.ID,
			Name:       e.Name,
			Dir:        e.Dir,
			Restricted: parent.Restricted,
		}
		if n.ID == "" {
			n.ID = e.Name
			if parent.ID != "" {
				n.ID = path.Join(parent.ID, e.Name)
			}
		}
		if n.Dir == "" {
			n.Dir = parent.Dir
		}
		if e.Restricted != nil {
			n.Restricted = *e.Restricted
		}
		if len(e.Children) > 0 {
			n.Children = buildNodes(e.Children, n)
		}
		nodes = append(nodes, n)
	}
	return nodes
}
