// Package item defines the three content kinds the kernel resolves, loads,
// and executes: directives, tools, and knowledge entries. The kernel never
// embeds domain knowledge about what a directive or tool *does* — it only
// knows these three shapes exist and where they may live on disk.
package item

import "fmt"

// Type identifies one of the three content kinds.
type Type string

const (
	TypeDirective Type = "directive"
	TypeTool      Type = "tool"
	TypeKnowledge Type = "knowledge"
)

// Valid reports whether t is one of the recognized item types.
func (t Type) Valid() bool {
	switch t {
	case TypeDirective, TypeTool, TypeKnowledge:
		return true
	default:
		return false
	}
}

// Source identifies which of the three search tiers an item was resolved
// from. Tiers are searched in this order: project, user, package.
type Source string

const (
	SourceProject Source = "project"
	SourceUser    Source = "user"
	SourcePackage Source = "package"
)

// Priority returns the search-order rank of a source; lower is searched
// first. Used to pick the winning candidate when the same stem is found
// in more than one tier.
func (s Source) Priority() int {
	switch s {
	case SourceProject:
		return 0
	case SourceUser:
		return 1
	case SourcePackage:
		return 2
	default:
		return 99
	}
}

// Ref identifies an item by its stable triple: id, type, and (once
// resolved) the source tier it was found in.
type Ref struct {
	ID     string
	Type   Type
	Source Source
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%s@%s", r.Type, r.ID, r.Source)
}

// Extensions lists the file extensions the resolver looks for per item
// type, in the order directories are globbed.
func Extensions(t Type) []string {
	switch t {
	case TypeDirective, TypeKnowledge:
		return []string{".md"}
	case TypeTool:
		return []string{".yaml", ".yml", ".py", ".sh", ""}
	default:
		return nil
	}
}
