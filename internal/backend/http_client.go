// Package backend provides the default BackendClient/RecordParser pair the
// revalidator talks to: a plain HTTP source returning JSON documents per
// substance name.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/substancecache/internal/cache"
	"github.com/edirooss/substancecache/internal/cacheerr"
)

// HTTPClientOptions configures a HTTPClient.
type HTTPClientOptions struct {
	BaseURL string
	Log     *zap.Logger
	Timeout time.Duration
}

// HTTPClient is the default BackendClient implementation: it expects a
// REST-ish upstream exposing a name listing, a per-name document fetch, and
// an optional redirects document.
type HTTPClient struct {
	baseURL string
	hc      *http.Client
	log     *zap.Logger
}

// NewHTTPClient builds a HTTPClient from opts, applying sensible defaults.
func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: opts.BaseURL,
		hc:      &http.Client{Timeout: timeout},
		log:     log,
	}
}

// ListNames fetches the full list of known substance names.
func (c *HTTPClient) ListNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.getJSON(ctx, "/names", &names); err != nil {
		return nil, err
	}
	return names, nil
}

// FetchRecord retrieves the raw JSON document for a single substance name.
func (c *HTTPClient) FetchRecord(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/substance/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request for %q: %v", cacheerr.ErrTransient, name, err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %q: %v", cacheerr.ErrTransient, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %q", cacheerr.ErrNotFound, name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %q returned status %d", cacheerr.ErrTransient, name, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body for %q: %v", cacheerr.ErrTransient, name, err)
	}
	return body, nil
}

// FetchRedirects retrieves the upstream's redirect/alias map, if it exposes
// one. A missing endpoint is not an error: it simply yields no redirects.
func (c *HTTPClient) FetchRedirects(ctx context.Context) (map[string][]string, error) {
	var doc struct {
		Redirects map[string][]string `json:"redirects"`
	}
	if err := c.getJSON(ctx, "/redirects", &doc); err != nil {
		c.log.Debug("redirects endpoint unavailable", zap.Error(err))
		return nil, nil
	}
	return doc.Redirects, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: build request for %q: %v", cacheerr.ErrTransient, path, err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request %q: %v", cacheerr.ErrTransient, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %q returned status %d", cacheerr.ErrTransient, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %q: %v", cacheerr.ErrParse, path, err)
	}
	return nil
}

// JSONRecordParser maps a raw JSON document onto cache.Record.
type JSONRecordParser struct{}

// NewJSONRecordParser constructs the default parser.
func NewJSONRecordParser() JSONRecordParser {
	return JSONRecordParser{}
}

type recordDoc struct {
	Name              string          `json:"name"`
	URL               string          `json:"url"`
	ChemicalClass     []string        `json:"chemical_class"`
	PsychoactiveClass []string        `json:"psychoactive_class"`
	Tags              []string        `json:"tags"`
	CrossReferences   []string        `json:"cross_references"`
	Summary           *string         `json:"summary,omitempty"`
	Images            []cache.ImageRef `json:"images,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// Parse decodes raw into a cache.Record, falling back to name when the
// document doesn't carry its own name field (some upstreams key purely by
// URL path segment).
func (JSONRecordParser) Parse(raw []byte, name string) (cache.Record, error) {
	var doc recordDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return cache.Record{}, fmt.Errorf("%w: substance %q: %v", cacheerr.ErrParse, name, err)
	}

	recName := doc.Name
	if recName == "" {
		recName = name
	}

	return cache.Record{
		Name:              recName,
		URL:               doc.URL,
		ChemicalClass:     doc.ChemicalClass,
		PsychoactiveClass: doc.PsychoactiveClass,
		Tags:              doc.Tags,
		CrossReferences:   doc.CrossReferences,
		Payload: cache.Payload{
			Summary: doc.Summary,
			Images:  doc.Images,
			Raw:     doc.Raw,
		},
	}, nil
}
