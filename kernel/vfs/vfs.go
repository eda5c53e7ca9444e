// Package vfs implements the kernel's virtual file system: an in-memory
// node tree rooted at a synthetic node whose sole child is the mounted
// filesystem root, with path resolution and structural mutation (Create,
// Delete, Mount, Unmount) serialized behind a single lock, and per-mount
// Operator implementations doing the actual reading and writing.
package vfs

import (
	"nucleos/kernel"
	"path"
	"strings"
	"sync"
)

var (
	errInvalidParameter = &kernel.Error{Module: "vfs", Message: "path or operator argument is invalid"}
	errPathExists       = &kernel.Error{Module: "vfs", Message: "path already exists"}
	errNotMounted       = &kernel.Error{Module: "vfs", Message: "no filesystem is mounted at the root"}
	errAlreadyMounted   = &kernel.Error{Module: "vfs", Message: "root is already mounted"}
	errInvalidOperator  = &kernel.Error{Module: "vfs", Message: "operator is nil"}
)

// VFS is the kernel's single virtual file system instance. The zero value
// is not usable; construct one with New.
type VFS struct {
	mu   sync.Mutex
	root *Node
}

// New creates an empty VFS. No filesystem is mounted at the root until
// MountRoot is called.
func New() *VFS {
	return &VFS{root: &Node{Name: "root", Flags: FlagMountpoint}}
}

// MountRoot installs operator as the VFS's filesystem root. It must be
// called exactly once, before any other structural operation, since Create
// and friends resolve relative to the root's first (and only) child.
func (v *VFS) MountRoot(operator Operator) (*Node, *kernel.Error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if operator == nil {
		return nil, errInvalidOperator
	}
	if len(v.root.Children) > 0 {
		return nil, errAlreadyMounted
	}

	fsRoot := &Node{Flags: FlagMountpoint, Operator: operator}
	v.root.addChild(fsRoot)
	return fsRoot, nil
}

// GetRootNode returns the mounted filesystem root, or nil if MountRoot has
// not been called yet.
func (v *VFS) GetRootNode() *Node {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.rootLocked()
}

func (v *VFS) rootLocked() *Node {
	if len(v.root.Children) == 0 {
		return nil
	}
	return v.root.Children[0]
}

// GetPathFromNode reconstructs the canonical absolute path of node by
// walking its Parent chain up to the filesystem root.
func (v *VFS) GetPathFromNode(node *Node) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.pathFromNodeLocked(node)
}

func (v *VFS) pathFromNodeLocked(node *Node) string {
	if node == nil || node == v.root {
		return "/"
	}

	var parts []string
	for cur := node; cur != nil && cur != v.root; cur = cur.Parent {
		if cur.Name != "" {
			parts = append(parts, cur.Name)
		}
	}
	if len(parts) == 0 {
		return "/"
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// NormalizePath cleans path (collapsing ".", "..", and repeated slashes)
// and, if it is relative, resolves it against parent's own path.
func (v *VFS) NormalizePath(p string, parent *Node) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.normalizePathLocked(p, parent)
}

func (v *VFS) normalizePathLocked(p string, parent *Node) string {
	if p == "" {
		return ""
	}

	cleaned := path.Clean(p)
	if path.IsAbs(cleaned) {
		return cleaned
	}

	return path.Clean(path.Join(v.pathFromNodeLocked(parent), cleaned))
}

// GetParent returns parent unchanged if non-nil, otherwise the filesystem
// root.
func (v *VFS) GetParent(p string, parent *Node) *Node {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.getParentLocked(parent)
}

func (v *VFS) getParentLocked(parent *Node) *Node {
	if parent != nil {
		return parent
	}
	return v.rootLocked()
}

// GetNodeFromPath resolves path by splitting it into segments and
// descending matching children by exact name, starting from the filesystem
// root if path is absolute (or parent is nil) and from parent otherwise.
// It returns nil if any segment fails to resolve.
func (v *VFS) GetNodeFromPath(p string, parent *Node) *Node {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.getNodeFromPathLocked(p, parent)
}

func (v *VFS) getNodeFromPathLocked(p string, parent *Node) *Node {
	if p == "" {
		return nil
	}

	start := parent
	if start == nil || path.IsAbs(p) {
		start = v.rootLocked()
	}
	if start == nil {
		return nil
	}

	clean := path.Clean(p)
	if clean == "/" || clean == "." {
		return start
	}

	cur := start
	for _, seg := range strings.Split(strings.TrimPrefix(clean, "/"), "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if cur.Parent != nil && cur.Parent != v.root {
				cur = cur.Parent
			}
			continue
		}
		next := cur.childNamed(seg)
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// PathExists reports whether path resolves to a node.
func (v *VFS) PathExists(p string, parent *Node) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.pathExistsLocked(p, parent)
}

func (v *VFS) pathExistsLocked(p string, parent *Node) bool {
	if p == "" {
		return false
	}
	if parent == nil {
		parent = v.rootLocked()
	}
	if parent == nil {
		return false
	}
	return v.getNodeFromPathLocked(v.normalizePathLocked(p, parent), parent) != nil
}

// Create makes every missing intermediate directory along path and
// installs the leaf with the given flags. It fails with errPathExists if
// path already resolves to a node.
func (v *VFS) Create(p string, flags NodeFlag, parent *Node) (*Node, *kernel.Error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if p == "" {
		return nil, errInvalidParameter
	}

	currentParent := v.getParentLocked(parent)
	if currentParent == nil {
		return nil, errNotMounted
	}

	clean := v.normalizePathLocked(p, currentParent)
	if v.getNodeFromPathLocked(clean, currentParent) != nil {
		return nil, errPathExists
	}

	cur := currentParent
	segments := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		child := cur.childNamed(seg)
		if child == nil {
			child = &Node{Name: seg, Flags: FlagDirectory}
			if i == len(segments)-1 {
				child.Flags = flags
			}
			cur.addChild(child)
		}
		cur = child
	}
	return cur, nil
}

// Delete removes the node at path. A non-empty directory fails with
// StatusDirectoryNotEmpty unless recursive is set, in which case each
// child is deleted individually; the parent is removed only if every child
// succeeded, otherwise StatusPartiallyCompleted is returned and whatever
// children were removed stay removed.
func (v *VFS) Delete(p string, recursive bool, parent *Node) FileStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	if p == "" {
		return StatusInvalidParameter
	}

	currentParent := v.getParentLocked(parent)
	clean := v.normalizePathLocked(p, currentParent)
	target := v.getNodeFromPathLocked(clean, currentParent)
	if target == nil {
		return StatusInvalidPath
	}

	return v.deleteLocked(target, recursive)
}

func (v *VFS) deleteLocked(node *Node, recursive bool) FileStatus {
	if node.Flags == FlagDirectory && len(node.Children) > 0 {
		if !recursive {
			return StatusDirectoryNotEmpty
		}

		ok := true
		children := append([]*Node(nil), node.Children...)
		for _, child := range children {
			if st := v.deleteLocked(child, true); st != StatusOK {
				ok = false
			}
		}
		if !ok {
			return StatusPartiallyCompleted
		}
	}

	if node.Parent == nil || !node.Parent.removeChild(node.Name) {
		return StatusNotFound
	}
	return StatusOK
}

// Mount creates a Mountpoint node at path backed by operator.
func (v *VFS) Mount(p string, operator Operator) (*Handle, *kernel.Error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if operator == nil {
		return nil, errInvalidOperator
	}
	if p == "" {
		return nil, errInvalidParameter
	}

	currentParent := v.rootLocked()
	if currentParent == nil {
		return nil, errNotMounted
	}

	clean := v.normalizePathLocked(p, currentParent)
	if v.getNodeFromPathLocked(clean, currentParent) != nil {
		return nil, errPathExists
	}

	cur := currentParent
	segments := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		child := cur.childNamed(seg)
		if child == nil {
			child = &Node{Name: seg, Flags: FlagDirectory}
			cur.addChild(child)
			if i == len(segments)-1 {
				child.Flags = FlagMountpoint
				child.Operator = operator
			}
		}
		cur = child
	}

	return &Handle{Node: cur, Name: path.Base(clean), Status: StatusOK}, nil
}

// Unmount detaches a mountpoint's operator and removes the node it was
// mounted on.
func (v *VFS) Unmount(h *Handle) *kernel.Error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if h == nil || h.Node == nil {
		return errInvalidParameter
	}

	h.Node.Operator = nil
	if st := v.deleteLocked(h.Node, false); st != StatusOK {
		return errInvalidParameter
	}
	return nil
}

// Open resolves path to a Handle. "/", ".", and ".." are special-cased
// rather than going through path resolution; any other path is normalized
// against parent (or the filesystem root) and looked up. A failed lookup
// returns a Handle with Status StatusNotFound rather than a nil Handle.
func (v *VFS) Open(p string, parent *Node) *Handle {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch p {
	case "/":
		node := v.rootLocked()
		if node == nil {
			return &Handle{Status: StatusNotFound}
		}
		return &Handle{Node: node, Name: "/", Status: StatusOK}

	case ".":
		if parent == nil {
			return &Handle{Status: StatusNotFound}
		}
		return &Handle{Node: parent, Name: path.Base(v.pathFromNodeLocked(parent)), Status: StatusOK}

	case "..":
		if parent == nil || parent.Parent == nil || parent.Parent == v.root {
			return &Handle{Status: StatusNotFound}
		}
		node := parent.Parent
		return &Handle{Node: node, Name: path.Base(v.pathFromNodeLocked(node)), Status: StatusOK}
	}

	currentParent := v.getParentLocked(parent)
	clean := v.normalizePathLocked(p, currentParent)
	node := v.getNodeFromPathLocked(clean, currentParent)
	if node == nil {
		return &Handle{Status: StatusNotFound}
	}
	return &Handle{Node: node, Name: path.Base(clean), Status: StatusOK}
}

// Close releases a Handle. It does not touch the underlying Node.
func (v *VFS) Close(h *Handle) FileStatus {
	if h == nil {
		return StatusInvalidHandle
	}
	return StatusOK
}

// Read delegates to h.Node's Operator. The VFS lock is held only long
// enough to resolve the handle to its node and operator so the operator's
// own Read may block or recurse into the VFS.
func (v *VFS) Read(h *Handle, offset uint64, buf []byte) (int, FileStatus) {
	node, operator, status := v.resolveForIO(h)
	if status != StatusOK {
		return 0, status
	}

	n, err := operator.Read(node, offset, buf)
	if err != nil {
		return 0, StatusInvalidOperator
	}
	return n, StatusOK
}

// Write delegates to h.Node's Operator, with the same locking discipline as
// Read.
func (v *VFS) Write(h *Handle, offset uint64, buf []byte) (int, FileStatus) {
	node, operator, status := v.resolveForIO(h)
	if status != StatusOK {
		return 0, status
	}

	n, err := operator.Write(node, offset, buf)
	if err != nil {
		return 0, StatusInvalidOperator
	}
	return n, StatusOK
}

func (v *VFS) resolveForIO(h *Handle) (*Node, Operator, FileStatus) {
	if h == nil || h.Node == nil {
		return nil, nil, StatusInvalidNode
	}

	v.mu.Lock()
	node := h.Node
	operator := node.Operator
	v.mu.Unlock()

	if operator == nil {
		return nil, nil, StatusInvalidOperator
	}
	return node, operator, StatusOK
}
