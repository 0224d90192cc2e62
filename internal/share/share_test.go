package share

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "share", "shared.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		code := NewCode()
		assert.Len(t, code, 12)
		assert.True(t, ValidCode(code), code)
		assert.False(t, seen[code])
		seen[code] = true
	}

	assert.False(t, ValidCode(""))
	assert.False(t, ValidCode("short"))
	assert.False(t, ValidCode("abc$efghijkl"))
}

func TestNewCodeUsesEveryBit(t *testing.T) {
	// A UUIDv4 prefix would pin the high nibble of byte 6 to 4.
	nibbles := make(map[byte]bool)
	for i := 0; i < 256; i++ {
		raw, err := base64.RawURLEncoding.DecodeString(NewCode())
		require.NoError(t, err)
		require.Len(t, raw, codeBytes)
		nibbles[raw[6]>>4] = true
	}
	assert.Greater(t, len(nibbles), 1)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	doc := []byte(strings.Repeat("fn main() { println!(\"hi\"); }\n", 50))

	code, err := s.Put(ctx, doc)
	require.NoError(t, err)

	got, err := s.Get(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	var stored int
	require.NoError(t, s.conn.QueryRow(`SELECT length(doc) FROM shared WHERE code = ?`, code).Scan(&stored))
	assert.Less(t, stored, len(doc), "documents are stored compressed")
}

func TestSQLiteStoreNotFound(t *testing.T) {
	s := openStore(t)

	_, err := s.Get(context.Background(), NewCode())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(context.Background(), "../../etc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreRetriesCollidingCodes(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	codes := []string{"AAAAAAAAAAAA", "AAAAAAAAAAAA", "BBBBBBBBBBBB"}
	s.newCode = func() string {
		c := codes[0]
		codes = codes[1:]
		return c
	}

	first, err := s.Put(ctx, []byte("one"))
	require.NoError(t, err)
	second, err := s.Put(ctx, []byte("two"))
	require.NoError(t, err)

	assert.Equal(t, "AAAAAAAAAAAA", first)
	assert.Equal(t, "BBBBBBBBBBBB", second)

	got, err := s.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
}

func TestSQLiteStoreGivesUpAfterRepeatedCollisions(t *testing.T) {
	s := openStore(t)
	s.newCode = func() string { return "AAAAAAAAAAAA" }

	_, err := s.Put(context.Background(), []byte("one"))
	require.NoError(t, err)
	_, err = s.Put(context.Background(), []byte("two"))
	assert.Error(t, err)
}

func TestSQLiteStoreConcurrentPuts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Put(ctx, []byte("doc"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func newGistServer(t *testing.T) (*httptest.Server, map[string]string) {
	t.Helper()
	var mu sync.Mutex
	gists := make(map[string]string)

	mux := http.NewServeMux()
	mux.HandleFunc("/gists", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var in gist
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.False(t, in.Public)

		mu.Lock()
		id := "abc123"
		gists[id] = in.Files[gistFileName].Content
		mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(gist{ID: id})
	})
	mux.HandleFunc("/gists/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/gists/")
		mu.Lock()
		content, ok := gists[id]
		mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(gist{ID: id, Files: map[string]gistFile{gistFileName: {Content: content}}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, gists
}

func TestGistStore(t *testing.T) {
	srv, _ := newGistServer(t)
	g := NewGistStore(srv.URL, "secret", nil)
	ctx := context.Background()

	code, err := g.Put(ctx, []byte("fn main() {}"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", code)

	doc, err := g.Get(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "fn main() {}", string(doc))

	_, err = g.Get(ctx, "fff")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = g.Get(ctx, "not-hex")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGistStoreUnauthorized(t *testing.T) {
	srv, _ := newGistServer(t)
	g := NewGistStore(srv.URL, "wrong", nil)

	_, err := g.Put(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestHandler(t *testing.T) {
	s := openStore(t)
	srv := httptest.NewServer(NewHandler(s, "/shared", 64, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/shared", "text/plain", strings.NewReader("fn main() {}"))
	require.NoError(t, err)
	code, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, ValidCode(string(code)))

	resp, err = http.Get(srv.URL + "/shared/" + string(code))
	require.NoError(t, err)
	doc, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fn main() {}", string(doc))

	resp, err = http.Get(srv.URL + "/shared/" + NewCode())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/shared", "text/plain", strings.NewReader(strings.Repeat("x", 65)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/shared/"+string(code), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
