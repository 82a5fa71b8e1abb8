package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/wiredove/wiredove/internal/config"
	"github.com/wiredove/wiredove/internal/logstore"
	"github.com/wiredove/wiredove/internal/ops"
	"github.com/wiredove/wiredove/internal/storage"
)

// AliasPrefix prefixes cached alias member lists
const AliasPrefix = "wiredove.alias."

// Directory resolves a community alias to its member public keys
type Directory interface {
	Members(ctx context.Context, alias string) ([]string, error)
}

// DirectoryFunc adapts a function to Directory
type DirectoryFunc func(ctx context.Context, alias string) ([]string, error)

// Members implements Directory
func (f DirectoryFunc) Members(ctx context.Context, alias string) ([]string, error) {
	return f(ctx, alias)
}

type aliasRecord struct {
	Members   []string `json:"members"`
	FetchedAt int64    `json:"fetchedAt,omitempty"`
}

// HTTPDirectory looks aliases up at GET {base}/{alias} and caches successful
// lookups in storage. A failed lookup falls back to the cached members.
type HTTPDirectory struct {
	baseURL string
	timeout time.Duration
	client  *retryablehttp.Client
	storage *storage.Storage
	logger  *ops.Logger
}

// NewHTTPDirectory creates a directory from the feed section
func NewHTTPDirectory(cfg *config.Feed, st *storage.Storage, logger *ops.Logger) *HTTPDirectory {
	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second

	l := logger.WithComponent("feed")
	client.Logger = l
	return &HTTPDirectory{
		baseURL: strings.TrimRight(cfg.DirectoryURL, "/"),
		timeout: cfg.DirectoryTimeout(),
		client:  client,
		storage: st,
		logger:  l,
	}
}

// Members returns the valid member keys of alias
func (d *HTTPDirectory) Members(ctx context.Context, alias string) ([]string, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil, fmt.Errorf("empty alias")
	}

	members, err := d.fetch(ctx, alias)
	if err == nil {
		record := aliasRecord{Members: members, FetchedAt: time.Now().UnixMilli()}
		if perr := d.storage.PutJSON(ctx, AliasPrefix+alias, record); perr != nil {
			d.logger.Warn("failed to cache alias", "alias", alias, "error", perr)
		}
		return members, nil
	}

	var cached aliasRecord
	ok, cerr := d.storage.GetJSON(ctx, AliasPrefix+alias, &cached)
	if cerr == nil && ok {
		d.logger.Debug("alias lookup failed, using cached members", "alias", alias, "error", err)
		return filterPubkeys(cached.Members), nil
	}
	return nil, fmt.Errorf("failed to resolve alias %q: %w", alias, err)
}

func (d *HTTPDirectory) fetch(ctx context.Context, alias string) ([]string, error) {
	if d.baseURL == "" {
		return nil, fmt.Errorf("no directory configured")
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/"+url.PathEscape(alias), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", res.Status)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	var record aliasRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return filterPubkeys(record.Members), nil
}

// filterPubkeys drops malformed and duplicate keys, keeping order
func filterPubkeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if !logstore.IsPubkey(k) {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
