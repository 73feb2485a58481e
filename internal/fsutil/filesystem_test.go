package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readFile(fsys FileSystem, name string) ([]byte, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func TestOSFileSystem_Exists(t *testing.T) {
	fsys := OSFileSystem{}

	if !fsys.Exists("filesystem.go") {
		t.Error("expected filesystem.go to exist")
	}

	if fsys.Exists("nonexistent_file_xyz.go") {
		t.Error("expected nonexistent file to not exist")
	}
}

func TestOSFileSystem_WriteStreamAndRemove(t *testing.T) {
	fsys := OSFileSystem{}
	dir := filepath.Join(t.TempDir(), "nested", "gcodes")

	if err := fsys.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	path := filepath.Join(dir, "mesh.stl")
	n, err := WriteStream(fsys, path, strings.NewReader("solid cube"))
	if err != nil {
		t.Fatalf("WriteStream failed: %v", err)
	}
	if n != int64(len("solid cube")) {
		t.Errorf("wrote %d bytes, want %d", n, len("solid cube"))
	}

	data, err := readFile(fsys, path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "solid cube" {
		t.Errorf("got %q, want %q", data, "solid cube")
	}

	if err := fsys.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected file to be removed, stat err = %v", err)
	}
}

func TestMemoryFileSystem_CreateAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()

	w, err := mfs.Create("/tmp/mesh.stl")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := w.Write([]byte("solid ")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := w.Write([]byte("cube")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := readFile(mfs, "/tmp/mesh.stl")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "solid cube" {
		t.Errorf("got %q, want %q", data, "solid cube")
	}

	info, err := mfs.Stat("/tmp/mesh.stl")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 10 || info.IsDir() || info.Name() != "mesh.stl" {
		t.Errorf("unexpected info: name=%s size=%d dir=%v", info.Name(), info.Size(), info.IsDir())
	}
}

func TestMemoryFileSystem_MissingFile(t *testing.T) {
	mfs := NewMemoryFileSystem()

	if _, err := mfs.Open("/missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open err = %v, want ErrNotExist", err)
	}
	if _, err := mfs.Stat("/missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat err = %v, want ErrNotExist", err)
	}
	if err := mfs.Remove("/missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Remove err = %v, want ErrNotExist", err)
	}
	if mfs.Exists("/missing") {
		t.Error("expected missing file to not exist")
	}
}

func TestMemoryFileSystem_Dirs(t *testing.T) {
	mfs := NewMemoryFileSystem()

	if err := mfs.MkdirAll("/srv/piy/gcodes", 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	for _, dir := range []string{"/srv", "/srv/piy", "/srv/piy/gcodes"} {
		if !mfs.Exists(dir) {
			t.Errorf("expected %s to exist", dir)
		}
	}

	mfs.WriteFile("/srv/piy/gcodes/a.gcode", []byte("G28"))
	if err := mfs.Remove("/srv/piy/gcodes"); err == nil {
		t.Error("expected error removing non-empty directory")
	}

	if got := mfs.Files(); len(got) != 1 || got[0] != "/srv/piy/gcodes/a.gcode" {
		t.Errorf("Files() = %v", got)
	}
}

func TestMemoryFileSystem_RemoveErr(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.WriteFile("/tmp/mesh.stl", []byte("x"))
	mfs.RemoveErr = errors.New("device busy")

	if err := mfs.Remove("/tmp/mesh.stl"); err == nil || err.Error() != "device busy" {
		t.Errorf("Remove err = %v, want device busy", err)
	}
	if !mfs.Exists("/tmp/mesh.stl") {
		t.Error("file should survive a failed remove")
	}
}
