// Package memstore is an in-memory storage.ObjectStore for tests. Signed
// URLs point at an httptest server so downloads travel over real HTTP, and
// every call that would reach the network is counted.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/thebluefowl/leafcache/internal/storage"
)

var _ storage.ObjectStore = (*Store)(nil)

// Object is a stored blob.
type Object struct {
	Body        []byte
	ContentType string
}

// Calls counts operations that would hit the remote service.
type Calls struct {
	Put    int
	Remove int
	Sign   int
	Fetch  int
}

// Total is the number of network round trips.
func (c Calls) Total() int {
	return c.Put + c.Remove + c.Sign + c.Fetch
}

// Store holds objects in memory.
type Store struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]Object
	calls   Calls

	putHook   func(key string) error
	removeErr error
	signErr   error
	fetchCode int
	fetchHook func(key string)

	srv *httptest.Server
}

// New starts the backing HTTP server. Call Close when done.
func New(bucket string) *Store {
	s := &Store{
		bucket:  bucket,
		objects: make(map[string]Object),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Close stops the HTTP server.
func (s *Store) Close() {
	s.srv.Close()
}

// HTTPClient returns a client that can fetch the signed URLs.
func (s *Store) HTTPClient() *http.Client {
	return s.srv.Client()
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	s.mu.Lock()
	s.calls.Put++
	hook := s.putHook
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		if err := hook(key); err != nil {
			return err
		}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(key))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{Body: data, ContentType: contentType}
	return nil
}

func (s *Store) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Remove++
	if s.removeErr != nil {
		return s.removeErr
	}
	for _, k := range keys {
		delete(s.objects, k)
	}
	return nil
}

func (s *Store) SignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Sign++
	if s.signErr != nil {
		return "", s.signErr
	}
	if _, ok := s.objects[key]; !ok {
		return "", fmt.Errorf("sign %s: %w", key, storage.ErrObjectNotFound)
	}
	return fmt.Sprintf("%s/%s?expires=%d", s.srv.URL, key, int64(ttl.Seconds())), nil
}

func (s *Store) ListBuckets(ctx context.Context) ([]string, error) {
	return []string{s.bucket}, nil
}

func (s *Store) Bucket() string {
	return s.bucket
}

// Seed stores an object without counting a call.
func (s *Store) Seed(key string, body []byte, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{Body: bytes.Clone(body), ContentType: contentType}
}

// Object returns the object stored at key.
func (s *Store) Object(key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	return o, ok
}

// Keys lists stored keys in order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Calls returns a snapshot of the call counters.
func (s *Store) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ResetCalls zeroes the call counters.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = Calls{}
}

// FailPuts makes every Put fail with err. A nil err clears the failure.
func (s *Store) FailPuts(err error) {
	s.SetPutHook(func(string) error { return err })
}

// SetPutHook runs fn before each Put; a non-nil result fails that Put.
func (s *Store) SetPutHook(fn func(key string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putHook = fn
}

// FailRemoves makes Remove fail with err.
func (s *Store) FailRemoves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeErr = err
}

// FailSigns makes SignURL fail with err.
func (s *Store) FailSigns(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signErr = err
}

// FailFetches makes the HTTP server answer every GET with code. Zero
// restores normal service.
func (s *Store) FailFetches(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCode = code
}

// SetFetchHook runs fn at the start of every GET, before the object is
// looked up. It may block to hold a download in flight.
func (s *Store) SetFetchHook(fn func(key string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchHook = fn
}

func (s *Store) serve(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")

	s.mu.Lock()
	s.calls.Fetch++
	hook := s.fetchHook
	s.mu.Unlock()
	if hook != nil {
		hook(key)
	}

	s.mu.Lock()
	code := s.fetchCode
	obj, ok := s.objects[key]
	s.mu.Unlock()

	if code != 0 {
		http.Error(w, http.StatusText(code), code)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	_, _ = w.Write(obj.Body)
}
