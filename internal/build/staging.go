package build

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/conneroisu/playground/internal/errors"
)

const (
	buildIDToken = "{BUILD_ID}"
	packageToken = "{PACKAGE}"
	manifestName = "Cargo.toml"
	mainSource   = "src/main.rs"
	targetDir    = "target"
)

type manifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
}

// stageTemplate replaces the contents of scratch with a copy of the template
// project, substitutes the build id into package manifests and writes the
// user's source. The target directory in scratch is kept so that dependency
// builds are reused. It returns the package name of the staged project.
func stageTemplate(templatePath, scratch, id, source string) (string, error) {
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return "", errors.WrapIO(err, "create scratch directory")
	}
	if err := clearScratch(scratch); err != nil {
		return "", err
	}

	err := filepath.WalkDir(templatePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(templatePath, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dst := filepath.Join(scratch, rel)

		switch {
		case d.IsDir():
			if rel == targetDir {
				return filepath.SkipDir
			}
			return os.MkdirAll(dst, 0o755)
		case d.Name() == manifestName:
			return substituteManifest(path, dst, id)
		case d.Type().IsRegular():
			return copyFile(path, dst)
		}
		return nil
	})
	if err != nil {
		return "", errors.WrapIO(err, "copy template")
	}

	mainPath := filepath.Join(scratch, filepath.FromSlash(mainSource))
	if err := os.MkdirAll(filepath.Dir(mainPath), 0o755); err != nil {
		return "", errors.WrapIO(err, "write source")
	}
	if err := os.WriteFile(mainPath, []byte(source), 0o644); err != nil {
		return "", errors.WrapIO(err, "write source")
	}

	return packageName(filepath.Join(scratch, manifestName))
}

// clearScratch removes everything in scratch except the target directory.
func clearScratch(scratch string) error {
	entries, err := os.ReadDir(scratch)
	if err != nil {
		return errors.WrapIO(err, "read scratch directory")
	}
	for _, e := range entries {
		if e.Name() == targetDir {
			continue
		}
		if err := os.RemoveAll(filepath.Join(scratch, e.Name())); err != nil {
			return errors.WrapIO(err, "clear scratch directory")
		}
	}
	return nil
}

func substituteManifest(src, dst, id string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	data = []byte(strings.ReplaceAll(string(data), buildIDToken, id))
	return os.WriteFile(dst, data, 0o644)
}

func packageName(manifestPath string) (string, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", errors.WrapIO(err, "read manifest")
	}
	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return "", errors.WrapIO(err, "parse manifest")
	}
	if m.Package.Name == "" {
		return "", errors.NewIOError(errors.ErrCodeIOFailed, "manifest has no package name", nil).
			WithContext("context", "parse manifest")
	}
	return m.Package.Name, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// copyTree copies the directory src to dst, which must not exist.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if d.Type().IsRegular() {
			return copyFile(path, target)
		}
		return nil
	})
}
