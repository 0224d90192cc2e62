// Package artifacts serves published build outputs and keeps the artifact
// root within its disk budget.
//
// Artifacts appear under the root by an atomic rename, so a reader sees a
// build directory either complete or not at all. Directories whose names start
// with a dot are staging areas and are never served or evicted.
package artifacts

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzhttp"

	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/logging"
)

const indexFile = "index.html"

// ErrInvalidID is returned for ids that cannot name an artifact directory.
var ErrInvalidID = errors.NewValidationError(errors.ErrCodeInvalidID, "invalid artifact id")

// Store reads artifacts from the root directory the build worker publishes into.
type Store struct {
	root   string
	logger logging.Logger
}

// NewStore creates a store over root. The directory is created if missing.
func NewStore(root string, logger logging.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.WrapIO(err, "create artifact root "+root)
	}

	return &Store{root: root, logger: logging.OrNop(logger).WithComponent("artifacts")}, nil
}

// Root returns the artifact root directory.
func (s *Store) Root() string {
	return s.root
}

// ValidID reports whether id is a single, visible path segment.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return false
	}

	return !strings.ContainsAny(id, `/\`)
}

// Path returns the directory of the artifact id.
func (s *Store) Path(id string) (string, error) {
	if !ValidID(id) {
		return "", ErrInvalidID
	}

	return filepath.Join(s.root, id), nil
}

// Exists reports whether the artifact id has been published.
func (s *Store) Exists(id string) bool {
	dir, err := s.Path(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)

	return err == nil && info.IsDir()
}

// Handler serves GET {prefix}{id}/{path...} from the artifact root. A path
// ending in a slash serves that directory's index.html. Responses are gzip
// compressed when the client accepts it.
func (s *Store) Handler(prefix string) http.Handler {
	return gzhttp.GzipHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		rest, ok := strings.CutPrefix(r.URL.Path, prefix)
		if !ok {
			http.NotFound(w, r)

			return
		}

		id, file, hasSlash := strings.Cut(rest, "/")
		if !ValidID(id) {
			http.NotFound(w, r)

			return
		}
		if !hasSlash {
			http.Redirect(w, r, prefix+id+"/", http.StatusMovedPermanently)

			return
		}

		s.serveFile(w, r, id, file)
	}))
}

func (s *Store) serveFile(w http.ResponseWriter, r *http.Request, id, file string) {
	if file == "" || strings.HasSuffix(file, "/") {
		file += indexFile
	}

	clean := path.Clean("/" + file)
	for _, segment := range strings.Split(clean, "/") {
		if strings.HasPrefix(segment, ".") {
			http.NotFound(w, r)

			return
		}
	}

	full := filepath.Join(s.root, id, filepath.FromSlash(clean))
	f, err := os.Open(full)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn(r.Context(), err, "Failed to open artifact file", "build_id", id, "path", clean)
		}
		http.NotFound(w, r)

		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)

		return
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
