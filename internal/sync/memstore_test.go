package sync

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/openmined/cbox/internal/remote"
)

type memDoc struct {
	data []byte
	gen  int
}

// memStore is an in-memory remote.Store.
type memStore struct {
	mu      sync.Mutex
	docs    map[string]memDoc
	digests bool
	listErr error
	failGet map[string]error
	failPut map[string]error
	gets    int
	puts    int
	deletes int
	feed    chan remote.Change
	subErrs []error
	sinces  []string
}

func newMemStore() *memStore {
	return &memStore{
		docs:    make(map[string]memDoc),
		failGet: make(map[string]error),
		failPut: make(map[string]error),
		feed:    make(chan remote.Change, 16),
	}
}

func (s *memStore) put(id, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.docs[id]
	s.docs[id] = memDoc{data: []byte(data), gen: d.gen + 1}
}

func (s *memStore) get(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	return string(d.data), ok
}

func (s *memStore) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.docs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *memStore) counts() (gets, puts, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.puts, s.deletes
}

func (s *memStore) subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sinces)
}

func (s *memStore) ListDocuments(ctx context.Context) ([]remote.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var docs []remote.Doc
	for id, d := range s.docs {
		doc := remote.Doc{ID: id, Rev: fmt.Sprintf("%d-abc", d.gen)}
		if s.digests {
			doc.Digest = Fingerprint(d.data)
		}
		docs = append(docs, doc)
	}
	slices.SortFunc(docs, func(a, b remote.Doc) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return docs, nil
}

func (s *memStore) GetBlob(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if err := s.failGet[id]; err != nil {
		return nil, err
	}
	d, ok := s.docs[id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return slices.Clone(d.data), nil
}

func (s *memStore) PutBlob(ctx context.Context, id string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failPut[id]; err != nil {
		return "", err
	}
	s.puts++
	d := s.docs[id]
	d.gen++
	d.data = slices.Clone(data)
	s.docs[id] = d
	return fmt.Sprintf("%d-abc", d.gen), nil
}

func (s *memStore) GetRevision(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return "", remote.ErrNotFound
	}
	return fmt.Sprintf("%d-abc", d.gen), nil
}

func (s *memStore) DeleteDocument(ctx context.Context, id, rev string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return remote.ErrNotFound
	}
	if rev != fmt.Sprintf("%d-abc", d.gen) {
		return remote.ErrConflict
	}
	s.deletes++
	delete(s.docs, id)
	return nil
}

func (s *memStore) SubscribeChanges(ctx context.Context, since string, fn remote.ChangeFunc) error {
	s.mu.Lock()
	s.sinces = append(s.sinces, since)
	var err error
	if len(s.subErrs) > 0 {
		err = s.subErrs[0]
		s.subErrs = s.subErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch := <-s.feed:
			if err := fn(ch); err != nil {
				return err
			}
		}
	}
}

var _ remote.Store = (*memStore)(nil)
