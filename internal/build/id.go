package build

import (
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/conneroisu/playground/internal/errors"
)

// idNamespace scopes build ids so they never collide with other UUIDv5 users.
var idNamespace = uuid.MustParse("5c3f1e9a-8f0b-4b7e-9a51-0d6a6b2f4c11")

// Fingerprint identifies the build parameters: template contents, toolchain
// version and arguments.
type Fingerprint [blake2b.Size256]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:8])
}

// ComputeFingerprint hashes every file of the template project except the
// target directory, together with the tool version and build arguments.
func ComputeFingerprint(templatePath, toolVersion string, args []string) (Fingerprint, error) {
	var fp Fingerprint

	h, err := blake2b.New256(nil)
	if err != nil {
		return fp, errors.WrapInternal(err, "create hash")
	}

	var files []string
	err = filepath.WalkDir(templatePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(templatePath, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel == "target" || (rel != "." && strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return fp, errors.WrapIO(err, "walk template")
	}
	sort.Strings(files)

	for _, rel := range files {
		if err := hashFile(h, templatePath, rel); err != nil {
			return fp, err
		}
	}

	io.WriteString(h, "tool\x00"+toolVersion+"\x00")
	for _, arg := range args {
		io.WriteString(h, arg+"\x00")
	}

	copy(fp[:], h.Sum(nil))
	return fp, nil
}

func hashFile(w io.Writer, root, rel string) error {
	f, err := os.Open(filepath.Join(root, rel))
	if err != nil {
		return errors.WrapIO(err, "read template file")
	}
	defer f.Close()

	io.WriteString(w, filepath.ToSlash(rel)+"\x00")
	if _, err := io.Copy(w, f); err != nil {
		return errors.WrapIO(err, "read template file")
	}
	io.WriteString(w, "\x00")
	return nil
}

// DeriveID returns the artifact id for source built with fp. It is a pure
// function of its inputs.
func DeriveID(fp Fingerprint, source string) string {
	data := make([]byte, 0, len(fp)+len(source))
	data = append(data, fp[:]...)
	data = append(data, source...)
	return uuid.NewSHA1(idNamespace, data).String()
}

// IDs derives artifact ids from the current fingerprint. Refresh recomputes
// the fingerprint after the template changed.
type IDs struct {
	templatePath string
	toolVersion  string
	args         []string

	mu sync.RWMutex
	fp Fingerprint
}

// NewIDs computes the initial fingerprint.
func NewIDs(templatePath, toolVersion string, args []string) (*IDs, error) {
	ids := &IDs{templatePath: templatePath, toolVersion: toolVersion, args: args}
	if err := ids.Refresh(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Refresh recomputes the fingerprint. On error the previous one is kept.
func (i *IDs) Refresh() error {
	fp, err := ComputeFingerprint(i.templatePath, i.toolVersion, i.args)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.fp = fp
	i.mu.Unlock()
	return nil
}

// Fingerprint returns the current fingerprint.
func (i *IDs) Fingerprint() Fingerprint {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.fp
}

// For returns the id for source.
func (i *IDs) For(source string) string {
	return DeriveID(i.Fingerprint(), source)
}
