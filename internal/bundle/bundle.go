package bundle

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const (
	ManifestFile = "manifest.json"
	DefaultEntry = "function.js"

	maxFileBytes = 8 << 20
)

// BuildCanonical packs files into a deterministic tar: sorted names, fixed
// mode, no timestamps. It returns the tar, its sha256 and its size.
func BuildCanonical(files map[string][]byte) ([]byte, string, int, error) {
	if len(files) == 0 {
		return nil, "", 0, fmt.Errorf("files cannot be empty")
	}
	if !hasScript(files) {
		return nil, "", 0, fmt.Errorf("bundle needs at least one .js file")
	}

	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range keys {
		if err := checkName(name); err != nil {
			_ = tw.Close()
			return nil, "", 0, err
		}
		data := files[name]
		hdr := &tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			_ = tw.Close()
			return nil, "", 0, err
		}
		if _, err := tw.Write(data); err != nil {
			_ = tw.Close()
			return nil, "", 0, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", 0, err
	}
	out := buf.Bytes()
	sum := sha256.Sum256(out)
	return out, hex.EncodeToString(sum[:]), len(out), nil
}

func VerifySHA256(data []byte, expected string) bool {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == expected
}

// ExtractTar reads regular files from a bundle tar. Entries escaping the
// bundle root are rejected.
func ExtractTar(data []byte) (map[string][]byte, error) {
	tr := tar.NewReader(bytes.NewReader(data))
	out := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if err := checkName(name); err != nil {
			return nil, err
		}
		if hdr.Size > maxFileBytes {
			return nil, fmt.Errorf("bundle file %q exceeds %d bytes", name, maxFileBytes)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		out[name] = content
	}
	if !hasScript(out) {
		return nil, fmt.Errorf("bundle has no .js file")
	}
	return out, nil
}

// ReadDir loads a handler directory. Hidden entries and node_modules are
// skipped; names use forward slashes relative to root.
func ReadDir(root string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if p != root && (strings.HasPrefix(name, ".") || name == "node_modules") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxFileBytes {
			return fmt.Errorf("bundle file %q exceeds %d bytes", p, maxFileBytes)
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !hasScript(out) {
		return nil, fmt.Errorf("%s has no .js file", root)
	}
	return out, nil
}

// WriteDir materialises files under root, creating directories as needed.
// Existing files are left alone unless overwrite is set.
func WriteDir(root string, files map[string][]byte, overwrite bool) error {
	for name, data := range files {
		if err := checkName(name); err != nil {
			return err
		}
		dst := filepath.Join(root, filepath.FromSlash(name))
		if !overwrite {
			if _, err := os.Stat(dst); err == nil {
				return fmt.Errorf("%s already exists", dst)
			}
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func checkName(name string) error {
	clean := path.Clean(name)
	if name == "" || clean == "." || clean != name || strings.HasPrefix(clean, "../") || clean == ".." || path.IsAbs(clean) {
		return fmt.Errorf("invalid file path %q", name)
	}
	return nil
}

func hasScript(files map[string][]byte) bool {
	for name := range files {
		if strings.HasSuffix(name, ".js") || strings.HasSuffix(name, ".mjs") || strings.HasSuffix(name, ".cjs") {
			return true
		}
	}
	return false
}
