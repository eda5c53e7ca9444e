package kmain

import (
	"archive/tar"
	"bytes"
	"io"
	"nucleos/kernel"
	"nucleos/kernel/vfs"
	"strings"
)

var (
	errArchiveRead = &kernel.Error{Module: "kmain", Message: "initrd archive is not a valid USTAR image"}
)

// initrdOperator backs every node extracted from the boot module's USTAR
// archive. The archive is read once, at mount time, into a flat map of
// node to contents; Read and Write then behave like an in-memory ramdisk
// rather than re-walking the tar stream on every access. Contents are keyed
// by node identity rather than name, since USTAR paths nest and two files
// in different directories may share a basename.
type initrdOperator struct {
	files map[*vfs.Node][]byte
}

func (o *initrdOperator) Read(node *vfs.Node, offset uint64, buf []byte) (int, *kernel.Error) {
	content := o.files[node]
	if offset >= uint64(len(content)) {
		return 0, nil
	}
	return copy(buf, content[offset:]), nil
}

func (o *initrdOperator) Write(node *vfs.Node, offset uint64, buf []byte) (int, *kernel.Error) {
	content := o.files[node]
	end := int(offset) + len(buf)
	if end > len(content) {
		grown := make([]byte, end)
		copy(grown, content)
		content = grown
	}
	copy(content[offset:], buf)
	o.files[node] = content
	return len(buf), nil
}

// MountInitrd reads the USTAR archive in image and builds its file tree
// under fs's root. archive/tar reads the USTAR variant directly, so the
// in-memory module payload handed off by the bootloader needs nothing more
// than wrapping in a bytes.Reader to look like the stream the package
// expects.
func MountInitrd(fs *vfs.VFS, image []byte) (*vfs.Node, *kernel.Error) {
	op := &initrdOperator{files: make(map[*vfs.Node][]byte)}

	root, err := fs.MountRoot(op)
	if err != nil {
		return nil, err
	}

	tr := tar.NewReader(bytes.NewReader(image))
	for {
		hdr, rerr := tr.Next()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, errArchiveRead
		}

		name := "/" + strings.TrimPrefix(strings.TrimSuffix(hdr.Name, "/"), "/")
		if name == "/" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if _, cerr := fs.Create(name, vfs.FlagDirectory, root); cerr != nil {
				return nil, cerr
			}
		case tar.TypeReg, tar.TypeRegA:
			content := make([]byte, hdr.Size)
			if _, rerr := io.ReadFull(tr, content); rerr != nil {
				return nil, errArchiveRead
			}

			node, cerr := fs.Create(name, vfs.FlagFile, root)
			if cerr != nil {
				return nil, cerr
			}
			node.Length = uint64(len(content))
			op.files[node] = content
		default:
			// symlinks, devices and the rest of the USTAR type zoo have no
			// counterpart the kernel needs at boot; skip them.
		}
	}

	return root, nil
}
