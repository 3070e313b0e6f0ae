package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"bandburg/internal/storage"
)

// DefaultURL is the public script market index.
const DefaultURL = "https://bandburgscript.02studio.xyz/scripts.json"

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// MaxDownloadBytes caps a single resource download.
const MaxDownloadBytes = 64 << 20

// DefaultFileName is used when a download URL has no usable last segment.
const DefaultFileName = "downloaded_file.bin"

// MarketScript is one entry of the market index.
type MarketScript struct {
	Name        string `json:"name"`
	Author      string `json:"author"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// File is a downloaded resource ready for classification and install.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("catalog request %s failed (%d): %s", e.URL, e.StatusCode, e.Message)
}

// ScriptCreator persists installed market scripts.
type ScriptCreator interface {
	CreateScript(ctx context.Context, s *storage.Script) error
}

// Client talks to the script market and downloads install resources.
type Client struct {
	indexURL   *url.URL
	httpClient *http.Client
}

// NewClient creates a market client. An empty rawURL selects DefaultURL and a
// nil httpClient gets DefaultHTTPTimeout.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		rawURL = DefaultURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid market url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{indexURL: parsed, httpClient: httpClient}, nil
}

// List fetches the market index. Relative script URLs are resolved against the
// index location.
func (c *Client) List(ctx context.Context) ([]MarketScript, error) {
	data, _, err := c.fetch(ctx, c.indexURL.String(), MaxDownloadBytes)
	if err != nil {
		return nil, err
	}
	var scripts []MarketScript
	if err := json.Unmarshal(data, &scripts); err != nil {
		return nil, fmt.Errorf("decode market index: %w", err)
	}
	for i := range scripts {
		if ref, err := url.Parse(scripts[i].URL); err == nil {
			scripts[i].URL = c.indexURL.ResolveReference(ref).String()
		}
	}
	return scripts, nil
}

// FetchCode downloads the source of a market script.
func (c *Client) FetchCode(ctx context.Context, script MarketScript) (string, error) {
	if strings.TrimSpace(script.URL) == "" {
		return "", fmt.Errorf("market script %q has no url", script.Name)
	}
	data, _, err := c.fetch(ctx, script.URL, MaxDownloadBytes)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Install downloads a market script and saves it through store.
func (c *Client) Install(ctx context.Context, store ScriptCreator, script MarketScript) (*storage.Script, error) {
	code, err := c.FetchCode(ctx, script)
	if err != nil {
		return nil, err
	}
	saved := &storage.Script{
		Name:        script.Name,
		Code:        code,
		Description: Describe(script),
	}
	if err := store.CreateScript(ctx, saved); err != nil {
		return nil, err
	}
	return saved, nil
}

// Describe renders the stored description of a market script.
func Describe(script MarketScript) string {
	desc := "作者: " + script.Author
	if script.Description != "" {
		desc += " - " + script.Description
	}
	return desc
}

// Download fetches an install resource by URL.
func (c *Client) Download(ctx context.Context, rawURL string) (*File, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid download url %q", rawURL)
	}
	data, contentType, err := c.fetch(ctx, u.String(), MaxDownloadBytes)
	if err != nil {
		return nil, err
	}
	return &File{Name: FileName(u), ContentType: contentType, Data: data}, nil
}

// FileName returns the last path segment of u, or DefaultFileName.
func FileName(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return DefaultFileName
	}
	return name
}

func (c *Client) fetch(ctx context.Context, rawURL string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := string(bytes.TrimSpace(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, "", &APIError{StatusCode: resp.StatusCode, URL: rawURL, Message: msg}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("response from %s exceeds %d bytes", rawURL, limit)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
