package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const gistAPI = "https://api.github.com"

// GistBackend stores the snapshot as a file inside a private GitHub
// gist. Good enough for a single user syncing a handful of devices; the
// gist id and a token with the gist scope are all it needs.
type GistBackend struct {
	gistID   string
	token    string
	filename string
	client   *http.Client
	baseURL  string
}

func NewGistBackend(gistID, token string, timeout time.Duration) (*GistBackend, error) {
	if gistID == "" || token == "" {
		return nil, fmt.Errorf("gist backend: gist id or token not configured")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GistBackend{
		gistID:   gistID,
		token:    token,
		filename: "minder-snapshot.json",
		client:   &http.Client{Timeout: timeout},
		baseURL:  gistAPI,
	}, nil
}

func (g *GistBackend) Name() string { return "gist" }

type gistFile struct {
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
	RawURL    string `json:"raw_url,omitempty"`
}

type gistDoc struct {
	Files map[string]gistFile `json:"files"`
}

func (g *GistBackend) PutSnapshot(ctx context.Context, _ string, payload []byte) error {
	body, err := json.Marshal(gistDoc{
		Files: map[string]gistFile{g.filename: {Content: string(payload)}},
	})
	if err != nil {
		return fmt.Errorf("gist backend: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, g.baseURL+"/gists/"+g.gistID, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gist backend: %w", err)
	}
	g.setHeaders(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return g.classify("put", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Backend: "gist", Op: "put", Status: resp.StatusCode}
	}
	return nil
}

func (g *GistBackend) GetSnapshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/gists/"+g.gistID, nil)
	if err != nil {
		return nil, fmt.Errorf("gist backend: %w", err)
	}
	g.setHeaders(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, g.classify("get", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoSnapshot
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Backend: "gist", Op: "get", Status: resp.StatusCode}
	}

	var doc gistDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("gist backend: decode: %w", err)
	}
	file, ok := doc.Files[g.filename]
	if !ok {
		return nil, ErrNoSnapshot
	}
	// Large gists come back truncated; the raw URL has the full content.
	if file.Truncated && file.RawURL != "" {
		return g.fetchRaw(ctx, file.RawURL)
	}
	return []byte(file.Content), nil
}

func (g *GistBackend) fetchRaw(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gist backend: %w", err)
	}
	g.setHeaders(req)
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, g.classify("get", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Backend: "gist", Op: "get", Status: resp.StatusCode, Body: "raw fetch"}
	}
	return io.ReadAll(resp.Body)
}

func (g *GistBackend) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
}

func (g *GistBackend) classify(op string, err error) error {
	ne := NetworkError{Backend: "gist", Op: op, Err: err}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{NetworkError: ne}
	}
	return &ne
}
