package assets

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// requestTimeout bounds every provider call so a hung request cannot stall a
// precache run or pin a dashboard request.
const requestTimeout = 30 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
}

// Asset is a fetched provider object.
type Asset struct {
	ID          string
	Data        []byte
	ContentType string
}

// TokenSource supplies and refreshes the provider credential. Satisfied by
// *TokenManager.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context, force bool) error
}

// Fetcher retrieves asset bytes from the provider. Each asset can live
// behind the API endpoint or the CDN mirror, so a fetch tries both before
// concluding anything, and retries one full pass after a token refresh when
// either endpoint said 401.
type Fetcher struct {
	tokens TokenSource
	api    string
	cdn    string
	httpc  *http.Client
	log    zerolog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithFetchHTTPClient overrides the HTTP client used for downloads.
func WithFetchHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.httpc = c
	}
}

func NewFetcher(tokens TokenSource, apiBaseURL, cdnBaseURL string, log zerolog.Logger, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		tokens: tokens,
		api:    strings.TrimRight(apiBaseURL, "/"),
		cdn:    strings.TrimRight(cdnBaseURL, "/"),
		httpc:  newHTTPClient(),
		log:    log.With().Str("component", "fetcher").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type passResult int

const (
	passOK passResult = iota
	passUnauthorized
	passNotFound
)

// Fetch downloads one asset. A 401 anywhere in the first pass is treated as
// a stale token: refresh once, run one more pass, and only then report an
// auth failure. Two 404s with no 401 mean the asset is gone; anything else
// fails fast as a network error.
func (f *Fetcher) Fetch(ctx context.Context, assetID string) (Asset, error) {
	asset, res, err := f.tryEndpoints(ctx, assetID, f.tokens.AccessToken())
	if err != nil {
		return Asset{}, err
	}
	switch res {
	case passOK:
		return asset, nil
	case passNotFound:
		return Asset{}, &NotFoundError{AssetID: assetID}
	}

	if rerr := f.tokens.Refresh(ctx, true); rerr != nil {
		return Asset{}, &AuthError{AssetID: assetID, Err: rerr}
	}
	f.log.Debug().Str("asset_id", assetID).Msg("retrying fetch after token refresh")

	asset, res, err = f.tryEndpoints(ctx, assetID, f.tokens.AccessToken())
	if err != nil {
		return Asset{}, err
	}
	switch res {
	case passOK:
		return asset, nil
	case passNotFound:
		return Asset{}, &NotFoundError{AssetID: assetID}
	default:
		return Asset{}, &AuthError{AssetID: assetID}
	}
}

// tryEndpoints runs one primary-then-fallback pass with a single token. A
// 401 from either endpoint marks the pass unauthorized, 404 from both marks
// it not found, and any other failure aborts immediately.
func (f *Fetcher) tryEndpoints(ctx context.Context, assetID, token string) (Asset, passResult, error) {
	sawUnauthorized := false

	asset, status, err := f.download(ctx, f.apiURL(assetID), token, assetID)
	if err != nil {
		return Asset{}, 0, err
	}
	switch status {
	case http.StatusOK:
		return asset, passOK, nil
	case http.StatusUnauthorized:
		sawUnauthorized = true
	}

	asset, status, err = f.download(ctx, f.cdnURL(assetID), token, assetID)
	if err != nil {
		return Asset{}, 0, err
	}
	switch status {
	case http.StatusOK:
		return asset, passOK, nil
	case http.StatusUnauthorized:
		sawUnauthorized = true
	}

	if sawUnauthorized {
		return Asset{}, passUnauthorized, nil
	}
	return Asset{}, passNotFound, nil
}

// download GETs one URL. 200, 401 and 404 are meaningful outcomes for the
// caller; every other status is a network error.
func (f *Fetcher) download(ctx context.Context, u, token, assetID string) (Asset, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Asset{}, 0, &NetworkError{AssetID: assetID, Err: fmt.Errorf("build request: %w", err)}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.httpc.Do(req)
	if err != nil {
		return Asset{}, 0, &NetworkError{AssetID: assetID, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Asset{}, 0, &NetworkError{AssetID: assetID, Err: fmt.Errorf("read body: %w", err)}
		}
		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return Asset{ID: assetID, Data: body, ContentType: contentType}, http.StatusOK, nil
	case http.StatusUnauthorized, http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Asset{}, resp.StatusCode, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return Asset{}, 0, &NetworkError{AssetID: assetID, Err: fmt.Errorf("GET %s returned %s: %s", u, resp.Status, strings.TrimSpace(string(body)))}
	}
}

func (f *Fetcher) apiURL(assetID string) string {
	return f.api + "/v2/files/" + assetID + "/content"
}

func (f *Fetcher) cdnURL(assetID string) string {
	return f.cdn + "/files/" + assetID
}
