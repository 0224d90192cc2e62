package share

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/logging"
)

const (
	// DefaultGistAPI is the GitHub REST endpoint.
	DefaultGistAPI = "https://api.github.com"
	gistFileName   = "main.rs"
)

// GistStore keeps documents as secret GitHub gists. The code is the gist id.
type GistStore struct {
	baseURL string
	token   string
	client  *http.Client
	logger  logging.Logger
}

// NewGistStore creates a gist-backed store authenticated with token.
func NewGistStore(baseURL, token string, logger logging.Logger) *GistStore {
	if baseURL == "" {
		baseURL = DefaultGistAPI
	}

	return &GistStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logging.OrNop(logger).WithComponent("share"),
	}
}

type gistFile struct {
	Content string `json:"content"`
}

type gist struct {
	ID          string              `json:"id,omitempty"`
	Description string              `json:"description,omitempty"`
	Public      bool                `json:"public"`
	Files       map[string]gistFile `json:"files"`
}

// Put creates a secret gist holding doc.
func (g *GistStore) Put(ctx context.Context, doc []byte) (string, error) {
	body, err := json.Marshal(gist{
		Description: "Shared playground program",
		Public:      false,
		Files:       map[string]gistFile{gistFileName: {Content: string(doc)}},
	})
	if err != nil {
		return "", errors.WrapInternal(err, "encode gist")
	}

	var created gist
	if err := g.do(ctx, http.MethodPost, "/gists", bytes.NewReader(body), &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.NewIOError(errors.ErrCodeIOFailed, "gist response has no id", nil)
	}
	g.logger.Debug(ctx, "Created gist", "code", created.ID, "size", len(doc))

	return created.ID, nil
}

// Get fetches the document of the gist with id code.
func (g *GistStore) Get(ctx context.Context, code string) ([]byte, error) {
	if !validGistID(code) {
		return nil, ErrNotFound
	}

	var found gist
	if err := g.do(ctx, http.MethodGet, "/gists/"+code, nil, &found); err != nil {
		return nil, err
	}
	file, ok := found.Files[gistFileName]
	if !ok {
		return nil, ErrNotFound
	}

	return []byte(file.Content), nil
}

// Close is a no-op.
func (g *GistStore) Close() error { return nil }

func (g *GistStore) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return errors.WrapInternal(err, "build gist request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.NewIOError(errors.ErrCodeIOFailed, "gist request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.NewIOError(errors.ErrCodeIOFailed,
			fmt.Sprintf("gist API returned %s", resp.Status), nil).
			WithContext("body", string(snippet))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewIOError(errors.ErrCodeIOFailed, "decode gist response", err)
	}

	return nil
}

func validGistID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}

	return true
}
