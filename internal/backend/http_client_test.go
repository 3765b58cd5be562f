package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edirooss/substancecache/internal/cacheerr"
)

func TestJSONRecordParserUsesFallbackName(t *testing.T) {
	parser := NewJSONRecordParser()
	rec, err := parser.Parse([]byte(`{"url":"https://example.test/x","tags":["a"]}`), "Fallback Name")
	require.NoError(t, err)
	assert.Equal(t, "Fallback Name", rec.Name)
	assert.Equal(t, []string{"a"}, rec.Tags)
}

func TestJSONRecordParserPrefersDocumentName(t *testing.T) {
	parser := NewJSONRecordParser()
	rec, err := parser.Parse([]byte(`{"name":"Canonical","tags":[]}`), "Different Key")
	require.NoError(t, err)
	assert.Equal(t, "Canonical", rec.Name)
}

func TestJSONRecordParserRejectsMalformed(t *testing.T) {
	parser := NewJSONRecordParser()
	_, err := parser.Parse([]byte(`not json`), "X")
	require.Error(t, err)
	assert.ErrorIs(t, err, cacheerr.ErrParse)
}

func TestHTTPClientFetchRecordNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: srv.URL})
	_, err := client.FetchRecord(context.Background(), "Missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, cacheerr.ErrNotFound)
}

func TestHTTPClientFetchRecordSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"Psilocybin"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: srv.URL})
	body, err := client.FetchRecord(context.Background(), "Psilocybin")
	require.NoError(t, err)
	assert.Contains(t, string(body), "Psilocybin")
}

func TestHTTPClientListNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["Psilocybin","LSD"]`))
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: srv.URL})
	names, err := client.ListNames(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Psilocybin", "LSD"}, names)
}

func TestHTTPClientFetchRedirectsMissingEndpointIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: srv.URL})
	redirects, err := client.FetchRedirects(context.Background())
	require.NoError(t, err)
	assert.Nil(t, redirects)
}
