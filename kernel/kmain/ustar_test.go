package kmain

import (
	"archive/tar"
	"bytes"
	"nucleos/kernel/vfs"
	"testing"
)

func buildUSTARImage(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{
			Name:     name,
			Size:     int64(len(content)),
			Mode:     0644,
			Typeflag: tar.TypeReg,
		}
		if name[len(name)-1] == '/' {
			hdr.Typeflag = tar.TypeDir
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(content)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestMountInitrdExtractsFiles(t *testing.T) {
	image := buildUSTARImage(t, map[string]string{
		"bin/":      "",
		"bin/init":  "entry point",
		"drivers/":  "",
		"drivers/a": "driver image",
	})

	fs := vfs.New()
	if _, err := MountInitrd(fs, image); err != nil {
		t.Fatal(err)
	}

	h := fs.Open("/bin/init", nil)
	if h.Status != vfs.StatusOK {
		t.Fatalf("expected /bin/init to exist, got status %v", h.Status)
	}

	buf := make([]byte, h.Node.Length)
	n, status := fs.Read(h, 0, buf)
	if status != vfs.StatusOK {
		t.Fatalf("read failed with status %v", status)
	}
	if string(buf[:n]) != "entry point" {
		t.Fatalf("got content %q, want %q", buf[:n], "entry point")
	}
}

func TestMountInitrdKeepsSameNamedFilesDistinct(t *testing.T) {
	image := buildUSTARImage(t, map[string]string{
		"a/":        "",
		"b/":        "",
		"a/payload": "first",
		"b/payload": "second",
	})

	fs := vfs.New()
	if _, err := MountInitrd(fs, image); err != nil {
		t.Fatal(err)
	}

	checkContent := func(path, want string) {
		h := fs.Open(path, nil)
		if h.Status != vfs.StatusOK {
			t.Fatalf("expected %s to exist", path)
		}
		buf := make([]byte, h.Node.Length)
		n, status := fs.Read(h, 0, buf)
		if status != vfs.StatusOK {
			t.Fatalf("read %s failed with status %v", path, status)
		}
		if string(buf[:n]) != want {
			t.Fatalf("got %s content %q, want %q", path, buf[:n], want)
		}
	}

	checkContent("/a/payload", "first")
	checkContent("/b/payload", "second")
}

func TestMountInitrdRejectsGarbageImage(t *testing.T) {
	fs := vfs.New()
	if _, err := MountInitrd(fs, []byte("not a tar archive")); err == nil {
		t.Fatal("expected an error for a malformed archive")
	}
}
