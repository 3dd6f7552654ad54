// Package couchdb implements remote.Store on top of the CouchDB HTTP API.
// Each document keeps its payload in a single attachment named "file".
package couchdb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/imroc/req/v3"
	"github.com/openmined/cbox/internal/remote"
	"github.com/openmined/cbox/internal/version"
)

const (
	defaultRetryCount   = 3
	defaultRetryMin     = 500 * time.Millisecond
	defaultRetryMax     = 5 * time.Second
	defaultTimeout      = 60 * time.Second
	defaultHeartbeat    = 30 * time.Second
	defaultRevCacheSize = 4096
	maxChangeLineSize   = 1 << 20
)

var (
	ErrInvalidURL = errors.New("couchdb: invalid database url")
	errFeedClosed = errors.New("couchdb: change feed closed")
)

type config struct {
	retryCount   int
	retryMin     time.Duration
	retryMax     time.Duration
	timeout      time.Duration
	heartbeat    time.Duration
	revCacheSize int
}

// Option configures a Client.
type Option func(*config)

// WithRetry sets how many times idempotent failures are retried and the
// backoff bounds between attempts.
func WithRetry(count int, min, max time.Duration) Option {
	return func(c *config) {
		c.retryCount = count
		c.retryMin = min
		c.retryMax = max
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHeartbeat sets the keep-alive interval requested from the change feed.
func WithHeartbeat(d time.Duration) Option {
	return func(c *config) {
		c.heartbeat = d
	}
}

func WithRevCacheSize(n int) Option {
	return func(c *config) {
		c.revCacheSize = n
	}
}

// Client talks to one CouchDB database.
type Client struct {
	dbURL     string
	client    *req.Client
	feed      *req.Client
	heartbeat time.Duration
	revs      *lru.Cache[string, string]
}

var _ remote.Store = (*Client)(nil)

// New binds a client to rawURL, `http(s)://[user:password@]host[:port]/db`.
// Embedded credentials are sent as basic auth and never appear in request
// URLs.
func New(rawURL string, opts ...Option) (*Client, error) {
	cfg := &config{
		retryCount:   defaultRetryCount,
		retryMin:     defaultRetryMin,
		retryMax:     defaultRetryMax,
		timeout:      defaultTimeout,
		heartbeat:    defaultHeartbeat,
		revCacheSize: defaultRevCacheSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return nil, fmt.Errorf("%w: expected scheme://host/database", ErrInvalidURL)
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
		u.User = nil
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""

	revs, err := lru.New[string, string](cfg.revCacheSize)
	if err != nil {
		return nil, err
	}

	client := req.C().
		SetBaseURL(u.String()).
		SetUserAgent("cbox/"+version.Version).
		SetTimeout(cfg.timeout).
		DisableAutoDecode().
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal).
		SetCommonRetryCount(cfg.retryCount).
		SetCommonRetryBackoffInterval(cfg.retryMin, cfg.retryMax).
		SetCommonRetryCondition(shouldRetry)
	if username != "" {
		client.SetCommonBasicAuth(username, password)
	}

	// the feed is long lived and is resubscribed by the caller
	feed := client.Clone().
		SetTimeout(0).
		SetCommonRetryCount(0)

	return &Client{
		dbURL:     u.String(),
		client:    client,
		feed:      feed,
		heartbeat: cfg.heartbeat,
		revs:      revs,
	}, nil
}

func shouldRetry(resp *req.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return resp.GetStatusCode() >= http.StatusInternalServerError
}

// URL is the database url without credentials.
func (c *Client) URL() string {
	return c.dbURL
}

// Info returns database metadata.
func (c *Client) Info(ctx context.Context) (*DBInfo, error) {
	var info DBInfo
	resp, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&info).
		Get(c.dbURL)
	if err := checkResponse(resp, err, "info"); err != nil {
		return nil, err
	}
	return &info, nil
}

// EnsureDatabase creates the database when it does not exist.
func (c *Client) EnsureDatabase(ctx context.Context) error {
	_, err := c.Info(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, remote.ErrNotFound) {
		return err
	}

	resp, err := c.client.R().
		SetContext(ctx).
		Put(c.dbURL)
	if err == nil && resp.GetStatusCode() == http.StatusPreconditionFailed {
		// created concurrently
		return nil
	}
	return checkResponse(resp, err, "create database")
}

// ListDocuments lists every non-design document with its revision and
// payload digest.
func (c *Client) ListDocuments(ctx context.Context) ([]remote.Doc, error) {
	var result allDocsResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("include_docs", "true").
		SetSuccessResult(&result).
		Get("/_all_docs")
	if err := checkResponse(resp, err, "list documents"); err != nil {
		return nil, err
	}

	docs := make([]remote.Doc, 0, len(result.Rows))
	for _, row := range result.Rows {
		if strings.HasPrefix(row.ID, designPrefix) {
			continue
		}
		doc := remote.Doc{ID: row.ID, Rev: row.Value.Rev}
		if row.Doc != nil {
			if att, ok := row.Doc.Attachments[AttachmentName]; ok {
				doc.Digest = digestToHex(att.Digest)
			}
		}
		c.revs.Add(doc.ID, doc.Rev)
		docs = append(docs, doc)
	}
	return docs, nil
}

// GetBlob downloads the payload attachment of id.
func (c *Client) GetBlob(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetPathParam("att", AttachmentName).
		Get("/{id}/{att}")
	if err := checkResponse(resp, err, "get "+id); err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

// PutBlob creates or replaces the payload of id and returns the new
// revision. A stale cached revision is refreshed once on conflict.
func (c *Client) PutBlob(ctx context.Context, id string, data []byte, contentType string) (string, error) {
	rev, err := c.knownRevision(ctx, id)
	if err != nil {
		return "", err
	}

	newRev, err := c.putAttachment(ctx, id, rev, data, contentType)
	if errors.Is(err, remote.ErrConflict) {
		c.revs.Remove(id)
		if rev, err = c.knownRevision(ctx, id); err != nil {
			return "", err
		}
		newRev, err = c.putAttachment(ctx, id, rev, data, contentType)
	}
	if err != nil {
		return "", err
	}

	c.revs.Add(id, newRev)
	return newRev, nil
}

func (c *Client) putAttachment(ctx context.Context, id, rev string, data []byte, contentType string) (string, error) {
	var result putResponse
	r := c.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetPathParam("att", AttachmentName).
		SetContentType(contentType).
		SetBodyBytes(data).
		SetSuccessResult(&result)
	if rev != "" {
		r.SetQueryParam("rev", rev)
	}

	resp, err := r.Put("/{id}/{att}")
	if err := checkResponse(resp, err, "put "+id); err != nil {
		return "", err
	}
	return result.Rev, nil
}

// knownRevision returns the cached revision of id, asking the server when it
// is not cached. A missing document has no revision.
func (c *Client) knownRevision(ctx context.Context, id string) (string, error) {
	if rev, ok := c.revs.Get(id); ok {
		return rev, nil
	}
	rev, err := c.GetRevision(ctx, id)
	if errors.Is(err, remote.ErrNotFound) {
		return "", nil
	}
	return rev, err
}

// GetRevision resolves the current revision of id from the server.
func (c *Client) GetRevision(ctx context.Context, id string) (string, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		Head("/{id}")
	if err := checkResponse(resp, err, "revision "+id); err != nil {
		return "", err
	}

	rev := strings.Trim(resp.GetHeader("ETag"), `"`)
	if rev == "" {
		return "", fmt.Errorf("couchdb revision %s: missing etag", id)
	}
	c.revs.Add(id, rev)
	return rev, nil
}

// DeleteDocument deletes revision rev of id.
func (c *Client) DeleteDocument(ctx context.Context, id, rev string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetQueryParam("rev", rev).
		Delete("/{id}")
	c.revs.Remove(id)
	return checkResponse(resp, err, "delete "+id)
}

// SubscribeChanges follows the continuous change feed from since. It returns
// ctx.Err() after cancellation and an error whenever the stream ends.
func (c *Client) SubscribeChanges(ctx context.Context, since string, fn remote.ChangeFunc) error {
	if since == "" {
		since = "0"
	}

	resp, err := c.feed.R().
		SetContext(ctx).
		SetQueryParam("feed", "continuous").
		SetQueryParam("since", since).
		SetQueryParam("heartbeat", strconv.FormatInt(c.heartbeat.Milliseconds(), 10)).
		DisableAutoReadResponse().
		Get("/_changes")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("couchdb changes: %w", err)
	}
	defer resp.Body.Close()

	if resp.IsErrorState() {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxChangeLineSize))
		return fmt.Errorf("couchdb changes: %w", newAPIError(resp.GetStatusCode(), body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChangeLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			// heartbeat
			continue
		}

		var row changeRow
		if err := jsonUnmarshal(line, &row); err != nil {
			return fmt.Errorf("couchdb changes: decode: %w", err)
		}
		if row.ID == "" {
			if len(row.LastSeq) > 0 {
				break
			}
			continue
		}
		if strings.HasPrefix(row.ID, designPrefix) {
			continue
		}

		change := remote.Change{
			Seq:     seqString(row.Seq),
			ID:      row.ID,
			Deleted: row.Deleted,
		}
		if len(row.Changes) > 0 {
			change.Rev = row.Changes[0].Rev
		}
		if change.Deleted {
			c.revs.Remove(change.ID)
		} else if change.Rev != "" {
			c.revs.Add(change.ID, change.Rev)
		}

		if err := fn(change); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("couchdb changes: %w", err)
	}
	return errFeedClosed
}
