// Package secretstore is the HTTP client for the external secret store the
// synchronizer reads from. Authentication uses short-lived tokens obtained
// per request; no long-lived credential is held in memory or on disk.
package secretstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"

	meshv1alpha1 "github.com/telekom/mesh-operator/api/mesh/v1alpha1"
	"github.com/telekom/mesh-operator/internal/controller/secretsync"
)

const defaultTimeout = 10 * time.Second

// Client reads secret values from the external store over HTTPS. It
// implements the synchronizer's Fetcher interface.
type Client struct {
	HTTPClient *http.Client
	ServiceURL url.URL
	Tokens     secretsync.TokenSource
	Log        logr.Logger
}

type Config struct {
	// BasePath is the store's host, optionally with port.
	BasePath string

	// Tokens supplies the per-request bearer token.
	Tokens secretsync.TokenSource

	Timeout    time.Duration
	HTTPClient *http.Client
}

type Options struct {
	TLSClientConfig *tls.Config
}

// NewClient returns a Client for the store at config.BasePath.
func NewClient(config Config, options Options, log logr.Logger) (*Client, error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("secret store base path must be set")
	}
	if config.Tokens == nil {
		return nil, fmt.Errorf("secret store token source must be set")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if options.TLSClientConfig != nil {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: options.TLSClientConfig,
		}
	}
	return &Client{
		HTTPClient: httpClient,
		ServiceURL: url.URL{Scheme: "https", Host: config.BasePath},
		Tokens:     config.Tokens,
		Log:        log,
	}, nil
}

// Fetch reads the value for the reference. Every failure is returned as is;
// the synchronizer treats them as transient and retries with backoff.
func (c *Client) Fetch(ctx context.Context, ref meshv1alpha1.RemoteRef) ([]byte, error) {
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining store token: %w", err)
	}

	u := c.ServiceURL
	u.Path = fmt.Sprintf("/v1/stores/%s/keys/%s", url.PathEscape(ref.Store), url.PathEscape(ref.Key))
	if ref.Version != "" {
		u.RawQuery = url.Values{"version": []string{ref.Version}}.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Add("Authorization", "Bearer "+token)
	request.Header.Add("Accept", "application/json")
	request.Header.Add("User-Agent", "mesh.t-caas.telekom.com")

	c.Log.V(3).Info("fetching secret value", "url", request.URL.Redacted())
	response, err := c.HTTPClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("store returned HTTP %d for %s/%s", response.StatusCode, ref.Store, ref.Key)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("reading store response: %w", err)
	}

	var responseBody struct {
		Value []byte `json:"value"`
	}
	if err := json.Unmarshal(body, &responseBody); err != nil {
		return nil, fmt.Errorf("decoding store response: %w", err)
	}
	return responseBody.Value, nil
}

// FileTokenSource reads a projected short-lived token from disk on every
// call, so kubelet-style rotation takes effect without restart.
type FileTokenSource struct {
	Path string
}

func (f FileTokenSource) Token(_ context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
