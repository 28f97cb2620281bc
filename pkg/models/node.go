// Package models contains the folder/document types shared by the client,
// the cache and the tree projection.
package models

import "fmt"

// Kind discriminates folders from documents.
type Kind string

const (
	KindFolder   Kind = "folder"
	KindDocument Kind = "document"
)

// Ref identifies an entity. Folder and document ids are separate id spaces on
// the server, so anything indexed by id must use a Ref.
type Ref struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

// FolderRef returns the Ref of folder id.
func FolderRef(id int64) Ref { return Ref{Kind: KindFolder, ID: id} }

// DocumentRef returns the Ref of document id.
func DocumentRef(id int64) Ref { return Ref{Kind: KindDocument, ID: id} }

func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// Attribute is a single version attribute of a document.
type Attribute struct {
	ID    int64  `json:"id"`
	Value string `json:"value"`
}

// Node is a folder or a document as listed by the server.
// Document-only fields are zero for folders.
type Node struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	ParentID *int64 `json:"parentId"`
	Comment  string `json:"comment,omitempty"`
	Date     string `json:"date,omitempty"`

	MimeType          string      `json:"mimeType,omitempty"`
	SizeBytes         int64       `json:"sizeBytes,omitempty"`
	IsLocked          bool        `json:"isLocked,omitempty"`
	VersionAttributes []Attribute `json:"versionAttributes,omitempty"`
	Keywords          string      `json:"keywords,omitempty"`
	OwnerID           int64       `json:"ownerId,omitempty"`
	Sequence          string      `json:"sequence,omitempty"`
	Version           int         `json:"version,omitempty"`
	VersionComment    string      `json:"versionComment,omitempty"`
	VersionDate       string      `json:"versionDate,omitempty"`
	Expires           string      `json:"expires,omitempty"`
}

// Ref returns the node's identity.
func (n Node) Ref() Ref { return Ref{Kind: n.Kind, ID: n.ID} }

// IsFolder reports whether the node is a folder.
func (n Node) IsFolder() bool { return n.Kind == KindFolder }

// IsDocument reports whether the node is a document.
func (n Node) IsDocument() bool { return n.Kind == KindDocument }

// Clone returns a deep copy of n.
func (n Node) Clone() Node {
	c := n
	if n.ParentID != nil {
		p := *n.ParentID
		c.ParentID = &p
	}
	if n.VersionAttributes != nil {
		c.VersionAttributes = append([]Attribute(nil), n.VersionAttributes...)
	}
	return c
}

// WithParent returns a copy of n whose parent is parentID.
func (n Node) WithParent(parentID int64) Node {
	c := n.Clone()
	c.ParentID = &parentID
	return c
}

// CloneNodes deep-copies a listing.
func CloneNodes(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}

// Partition splits a listing into folders and documents, preserving the
// relative order within each group.
func Partition(nodes []Node) (folders, documents []Node) {
	for _, n := range nodes {
		if n.IsFolder() {
			folders = append(folders, n)
		} else {
			documents = append(documents, n)
		}
	}
	return folders, documents
}

// PathElement is one step of a breadcrumb path.
type PathElement struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Path is the ancestor chain from the root to a folder, root first.
type Path []PathElement

// Leaf returns the last element of the path.
func (p Path) Leaf() (PathElement, bool) {
	if len(p) == 0 {
		return PathElement{}, false
	}
	return p[len(p)-1], true
}

// ParentID returns the id of the folder's parent, if the path has one.
func (p Path) ParentID() (int64, bool) {
	if len(p) < 2 {
		return 0, false
	}
	return p[len(p)-2].ID, true
}

// Role is the role of an account.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User is the account the session belongs to.
type User struct {
	ID       int64  `json:"id"`
	Type     string `json:"type,omitempty"`
	Name     string `json:"name"`
	Login    string `json:"login"`
	Email    string `json:"email,omitempty"`
	Comment  string `json:"comment,omitempty"`
	Language string `json:"language,omitempty"`
	Theme    string `json:"theme,omitempty"`
	Role     Role   `json:"role"`
	Hidden   bool   `json:"hidden,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
	IsGuest  bool   `json:"isguest,omitempty"`
	IsAdmin  bool   `json:"isadmin,omitempty"`
}
