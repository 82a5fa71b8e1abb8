package feedrows

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/wiredove/wiredove/internal/config"
	"github.com/wiredove/wiredove/internal/ops"
)

// Scope names the view a remote row request is for
type Scope struct {
	Kind string // home|author|alias
	Key  string
}

// HomeScope is the home view scope
func HomeScope() Scope { return Scope{Kind: "home"} }

// AuthorScope is the scope of a single author's view
func AuthorScope(pubkey string) Scope { return Scope{Kind: "author", Key: pubkey} }

// AliasScope is the scope of a community alias view
func AliasScope(alias string) Scope { return Scope{Kind: "alias", Key: alias} }

// Path returns the escaped request path below /feed-rows/
func (s Scope) Path() string {
	if s.Key == "" {
		return s.Kind
	}
	return s.Kind + "/" + url.PathEscape(s.Key)
}

func (s Scope) String() string {
	if s.Key == "" {
		return s.Kind
	}
	return s.Kind + ":" + s.Key
}

// Page is one response from the remote row source
type Page struct {
	Rows      []Row `json:"rows"`
	NextSince int64 `json:"nextSince"`
}

// Remote fetches precomputed rows from an HTTP row source. Every failure
// degrades to an empty page that keeps the caller's cursor.
type Remote struct {
	enabled bool
	baseURL string
	limit   int
	timeout time.Duration
	client  *retryablehttp.Client
	logger  *ops.Logger
}

// RemoteOpt configures a Remote
type RemoteOpt func(*Remote)

// WithRemoteLogger sets the logger
func WithRemoteLogger(l *ops.Logger) RemoteOpt {
	return func(r *Remote) {
		r.logger = l.WithComponent("feedrows")
		r.client.Logger = r.logger
	}
}

// WithHTTPClient replaces the underlying http client
func WithHTTPClient(c *http.Client) RemoteOpt {
	return func(r *Remote) { r.client.HTTPClient = c }
}

// NewRemote creates a remote row source from the feed_rows.remote section
func NewRemote(cfg *config.RemoteRows, opts ...RemoteOpt) *Remote {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Backoff = retryablehttp.LinearJitterBackoff

	r := &Remote{
		enabled: cfg.Enabled && cfg.BaseURL != "",
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		limit:   cfg.Limit,
		timeout: cfg.Timeout(),
		client:  client,
		logger:  ops.Default().WithComponent("feedrows"),
	}
	client.Logger = r.logger
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports whether a remote source is configured
func (r *Remote) Enabled() bool {
	return r != nil && r.enabled
}

// Fetch requests rows newer than since for scope
func (r *Remote) Fetch(ctx context.Context, scope Scope, since int64) Page {
	empty := Page{Rows: []Row{}, NextSince: since}
	if !r.Enabled() {
		return empty
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	page, err := r.fetch(ctx, scope, since)
	if err != nil {
		r.logger.Debug("remote rows unavailable", "scope", scope.String(), "error", err)
		return empty
	}
	if page.Rows == nil {
		page.Rows = []Row{}
	}
	if page.NextSince == 0 {
		page.NextSince = since
	}
	return page
}

func (r *Remote) fetch(ctx context.Context, scope Scope, since int64) (Page, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if r.limit > 0 {
		q.Set("limit", strconv.Itoa(r.limit))
	}
	target := r.baseURL + "/feed-rows/" + scope.Path() + "?" + q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Page{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("doing request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("unexpected status: %s", res.Status)
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return Page{}, fmt.Errorf("reading response body: %w", err)
	}

	var page Page
	if err := json.Unmarshal(data, &page); err != nil {
		return Page{}, fmt.Errorf("decoding response: %w", err)
	}
	return page, nil
}
