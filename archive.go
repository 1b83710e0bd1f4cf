package sandboxd

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// tarDirectory packs dir into an in-memory tar stream suitable as a docker
// build context. Entry names are relative to dir.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// tarSingleFile packs the file at path as a one-entry tar archive whose
// member name is the file's basename.
func tarSingleFile(path string) (io.Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(path),
		Mode: 0o644,
		Size: info.Size(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// extractArchiveMember locates the member matching wantPath inside a tar
// stream: exact match on the path stripped of its leading slash first, then
// the first member whose name ends with the basename. Returns the member's
// bytes and name.
func extractArchiveMember(r io.Reader, wantPath string) ([]byte, string, error) {
	rel := wantPath
	for len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}
	base := filepath.Base(wantPath)

	tr := tar.NewReader(r)
	var first, byBase []byte
	var firstName, byBaseName string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", err
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, "", err
		}
		if hdr.Name == rel {
			return data, hdr.Name, nil
		}
		if first == nil {
			first, firstName = data, hdr.Name
		}
		if byBase == nil && strings.HasSuffix(hdr.Name, base) {
			byBase, byBaseName = data, hdr.Name
		}
	}
	if byBase != nil {
		return byBase, byBaseName, nil
	}
	if first != nil {
		return first, firstName, nil
	}
	return nil, "", fmt.Errorf("file not found in archive: %s", wantPath)
}
