// Package couchdbtest runs an in-memory CouchDB look-alike for tests. It
// serves the subset of the API the couchdb client uses.
package couchdbtest

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const attachmentName = "file"

type document struct {
	rev         string
	gen         int
	data        []byte
	contentType string
	deleted     bool
}

type change struct {
	seq     int
	id      string
	rev     string
	deleted bool
}

type database struct {
	docs    map[string]*document
	seq     int
	changes []change
	updated chan struct{}
	drop    chan struct{}
}

func newDatabase() *database {
	return &database{
		docs:    make(map[string]*document),
		updated: make(chan struct{}),
		drop:    make(chan struct{}),
	}
}

// Option configures a Server.
type Option func(*Server)

// WithBasicAuth requires every request to carry these credentials.
func WithBasicAuth(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithDatabase creates db at startup.
func WithDatabase(db string) Option {
	return func(s *Server) {
		s.dbs[db] = newDatabase()
	}
}

// Server is a fake CouchDB backed by maps.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	dbs      map[string]*database
	username string
	password string

	failListing   atomic.Int32
	blobGets      atomic.Int64
	subscriptions atomic.Int64
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{dbs: make(map[string]*database)}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.UseRawPath = true
	r.UnescapePathValues = true
	r.Use(s.auth)

	r.GET("/:db", s.getDatabase)
	r.PUT("/:db", s.putDatabase)
	r.GET("/:db/:id", s.getDocument)
	r.HEAD("/:db/:id", s.headDocument)
	r.DELETE("/:db/:id", s.deleteDocument)
	r.GET("/:db/:id/:att", s.getAttachment)
	r.PUT("/:db/:id/:att", s.putAttachment)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Close ends open change feeds before shutting the listener down.
func (s *Server) Close() {
	s.DropFeeds()
	s.Server.Close()
}

// DBURL returns the url of db with optional credentials embedded.
func (s *Server) DBURL(db string) string {
	if s.username == "" {
		return s.URL + "/" + db
	}
	return strings.Replace(s.URL, "://", fmt.Sprintf("://%s:%s@", s.username, s.password), 1) + "/" + db
}

// FailListing makes the next n `_all_docs` requests fail with a 500.
func (s *Server) FailListing(n int) {
	s.failListing.Store(int32(n))
}

// BlobGets counts attachment downloads served so far.
func (s *Server) BlobGets() int64 {
	return s.blobGets.Load()
}

// Subscriptions counts change feed requests served so far.
func (s *Server) Subscriptions() int64 {
	return s.subscriptions.Load()
}

// DropFeeds ends every open change feed, as a network failure would.
func (s *Server) DropFeeds() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, db := range s.dbs {
		close(db.drop)
		db.drop = make(chan struct{})
	}
}

// Put stores data as the payload of id and returns the new revision.
func (s *Server) Put(db, id string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dbs[db]
	if !ok {
		d = newDatabase()
		s.dbs[db] = d
	}
	return d.put(id, data, "application/octet-stream")
}

// Delete marks id deleted.
func (s *Server) Delete(db, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.dbs[db]; ok {
		if doc, ok := d.docs[id]; ok && !doc.deleted {
			d.remove(id, doc)
		}
	}
}

// Get returns the payload of id.
func (s *Server) Get(db, id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dbs[db]
	if !ok {
		return nil, false
	}
	doc, ok := d.docs[id]
	if !ok || doc.deleted {
		return nil, false
	}
	return slices.Clone(doc.data), true
}

// IDs lists live document ids in sorted order.
func (s *Server) IDs(db string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	if d, ok := s.dbs[db]; ok {
		for id, doc := range d.docs {
			if !doc.deleted {
				ids = append(ids, id)
			}
		}
	}
	slices.Sort(ids)
	return ids
}

// HasDatabase reports whether db exists.
func (s *Server) HasDatabase(db string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dbs[db]
	return ok
}

func (d *database) put(id string, data []byte, contentType string) string {
	doc, ok := d.docs[id]
	if !ok {
		doc = &document{}
		d.docs[id] = doc
	}
	sum := md5.Sum(data)
	doc.gen++
	doc.rev = fmt.Sprintf("%d-%s", doc.gen, hex.EncodeToString(sum[:]))
	doc.data = slices.Clone(data)
	doc.contentType = contentType
	doc.deleted = false
	d.record(id, doc.rev, false)
	return doc.rev
}

func (d *database) remove(id string, doc *document) {
	doc.gen++
	doc.rev = fmt.Sprintf("%d-deleted", doc.gen)
	doc.data = nil
	doc.deleted = true
	d.record(id, doc.rev, true)
}

// record keeps only the latest change per id, like CouchDB does.
func (d *database) record(id, rev string, deleted bool) {
	d.seq++
	d.changes = slices.DeleteFunc(d.changes, func(c change) bool { return c.id == id })
	d.changes = append(d.changes, change{seq: d.seq, id: id, rev: rev, deleted: deleted})
	close(d.updated)
	d.updated = make(chan struct{})
}

func (s *Server) auth(c *gin.Context) {
	if s.username == "" {
		return
	}
	user, pass, ok := c.Request.BasicAuth()
	if !ok || user != s.username || pass != s.password {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "reason": "Name or password is incorrect."})
	}
}

// lookup returns the database or writes a 404 and returns nil. The caller
// must hold s.mu.
func (s *Server) lookup(c *gin.Context) *database {
	d, ok := s.dbs[c.Param("db")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "reason": "Database does not exist."})
		return nil
	}
	return d
}

func (s *Server) getDatabase(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.lookup(c)
	if d == nil {
		return
	}
	live := 0
	for _, doc := range d.docs {
		if !doc.deleted {
			live++
		}
	}
	c.JSON(http.StatusOK, gin.H{"db_name": c.Param("db"), "doc_count": live, "update_seq": seqString(d.seq)})
}

func (s *Server) putDatabase(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := c.Param("db")
	if _, ok := s.dbs[name]; ok {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "file_exists", "reason": "The database could not be created, the file already exists."})
		return
	}
	s.dbs[name] = newDatabase()
	c.JSON(http.StatusCreated, gin.H{"ok": true})
}

func (s *Server) getDocument(c *gin.Context) {
	switch c.Param("id") {
	case "_all_docs":
		s.allDocs(c)
		return
	case "_changes":
		s.changes(c)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.lookup(c)
	if d == nil {
		return
	}
	doc, ok := d.docs[c.Param("id")]
	if !ok || doc.deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "reason": "missing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"_id": c.Param("id"), "_rev": doc.rev, "_attachments": gin.H{attachmentName: stub(doc)}})
}

func (s *Server) headDocument(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.lookup(c)
	if d == nil {
		return
	}
	doc, ok := d.docs[c.Param("id")]
	if !ok || doc.deleted {
		c.Status(http.StatusNotFound)
		return
	}
	c.Header("ETag", strconv.Quote(doc.rev))
	c.Status(http.StatusOK)
}

func (s *Server) deleteDocument(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.lookup(c)
	if d == nil {
		return
	}
	id := c.Param("id")
	doc, ok := d.docs[id]
	if !ok || doc.deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "reason": "missing"})
		return
	}
	if c.Query("rev") != doc.rev {
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "reason": "Document update conflict."})
		return
	}
	d.remove(id, doc)
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": id, "rev": doc.rev})
}

func (s *Server) getAttachment(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.lookup(c)
	if d == nil {
		return
	}
	doc, ok := d.docs[c.Param("id")]
	if !ok || doc.deleted || c.Param("att") != attachmentName {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "reason": "Document is missing attachment"})
		return
	}
	s.blobGets.Add(1)
	c.Data(http.StatusOK, doc.contentType, doc.data)
}

func (s *Server) putAttachment(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "reason": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.lookup(c)
	if d == nil {
		return
	}
	id := c.Param("id")
	if doc, ok := d.docs[id]; ok && !doc.deleted && c.Query("rev") != doc.rev {
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "reason": "Document update conflict."})
		return
	}

	contentType := c.ContentType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	rev := d.put(id, data, contentType)
	c.JSON(http.StatusCreated, gin.H{"ok": true, "id": id, "rev": rev})
}

func (s *Server) allDocs(c *gin.Context) {
	if s.failListing.Load() > 0 {
		s.failListing.Add(-1)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error", "reason": "injected failure"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.lookup(c)
	if d == nil {
		return
	}

	ids := make([]string, 0, len(d.docs))
	for id, doc := range d.docs {
		if !doc.deleted {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	includeDocs := c.Query("include_docs") == "true"
	rows := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		doc := d.docs[id]
		row := gin.H{"id": id, "key": id, "value": gin.H{"rev": doc.rev}}
		if includeDocs {
			row["doc"] = gin.H{"_id": id, "_rev": doc.rev, "_attachments": gin.H{attachmentName: stub(doc)}}
		}
		rows = append(rows, row)
	}
	c.JSON(http.StatusOK, gin.H{"total_rows": len(rows), "offset": 0, "rows": rows})
}

func (s *Server) changes(c *gin.Context) {
	since, err := parseSeq(c.DefaultQuery("since", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "reason": "Malformed sequence supplied in 'since' parameter."})
		return
	}
	heartbeat := 30 * time.Second
	if ms, err := strconv.Atoi(c.Query("heartbeat")); err == nil && ms > 0 {
		heartbeat = time.Duration(ms) * time.Millisecond
	}

	s.mu.Lock()
	d := s.lookup(c)
	s.mu.Unlock()
	if d == nil {
		return
	}
	s.subscriptions.Add(1)

	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		s.mu.Lock()
		var pending []change
		for _, ch := range d.changes {
			if ch.seq > since {
				pending = append(pending, ch)
			}
		}
		updated, drop := d.updated, d.drop
		s.mu.Unlock()

		for _, ch := range pending {
			row := gin.H{"seq": seqString(ch.seq), "id": ch.id, "changes": []gin.H{{"rev": ch.rev}}}
			if ch.deleted {
				row["deleted"] = true
			}
			line, _ := jsonMarshal(row)
			_, _ = c.Writer.Write(append(line, '\n'))
			since = ch.seq
		}
		c.Writer.Flush()

		select {
		case <-ctx.Done():
			return
		case <-drop:
			return
		case <-updated:
		case <-ticker.C:
			_, _ = c.Writer.Write([]byte("\n"))
			c.Writer.Flush()
		}
	}
}

func stub(doc *document) gin.H {
	sum := md5.Sum(doc.data)
	return gin.H{
		"content_type": doc.contentType,
		"digest":       "md5-" + base64.StdEncoding.EncodeToString(sum[:]),
		"length":       len(doc.data),
		"stub":         true,
	}
}

func seqString(seq int) string {
	return fmt.Sprintf("%d-g1AAAA", seq)
}

func parseSeq(s string) (int, error) {
	head, _, _ := strings.Cut(s, "-")
	return strconv.Atoi(head)
}
