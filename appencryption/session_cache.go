package appencryption

import (
	"sync"
	"time"

	mango "github.com/goburrow/cache"

	"github.com/godaddy/asherah/go/appencryption/pkg/log"
)

// SessionCache is used to cache sessions so that subsequent calls for the same partition ID
// reuse the same underlying System and Intermediate Key caches.
type SessionCache interface {
	Get(id string) (*Session, error)
	Count() int
	Close()
}

// mangoCache is a SessionCache implementation based on goburrow's
// Mango cache (https://github.com/goburrow/cache).
type mangoCache struct {
	inner  mango.LoadingCache
	loader sessionLoaderFunc
	stash  *cacheStash
}

func (m *mangoCache) Get(id string) (*Session, error) {
	sess, err := m.get(id)
	if err != nil {
		return nil, err
	}

	incrementSharedSessionUsage(sess)

	return sess, nil
}

func (m *mangoCache) get(id string) (*Session, error) {
	val, err := m.inner.Get(id)
	if err != nil {
		return nil, err
	}

	sess, ok := val.(*Session)
	if !ok {
		panic("unexpected value")
	}

	return sess, nil
}

func incrementSharedSessionUsage(s *Session) {
	s.encryption.(*sharedEncryption).incrementUsage()
}

func (m *mangoCache) Count() int {
	s := &mango.Stats{}
	m.inner.Stats(s)

	return int(s.LoadSuccessCount - s.EvictionCount)
}

func (m *mangoCache) Close() {
	m.inner.Close()
	m.stash.close()

	log.Debugf("session cache stash len = %d", m.stash.len())
}

// onRemoval is invoked by the mango cache whenever an entry is evicted. The evicted shared
// session is handed off to the cleanup processor rather than closed inline on the cache's own
// goroutine.
func (m *mangoCache) onRemoval(k mango.Key, v mango.Value) {
	id, _ := k.(string)
	sess, _ := v.(*Session)

	if sess == nil {
		return
	}

	shared := sess.encryption.(*sharedEncryption)

	m.stash.add(id, sess)
	getSessionCleanupProcessor().submit(shared)
	m.stash.remove(id)
}

func newMangoCache(sessionLoader sessionLoaderFunc, policy *CryptoPolicy) *mangoCache {
	m := &mangoCache{
		loader: sessionLoader,
		stash:  newCacheStash(),
	}

	go m.stash.process()

	m.inner = mango.NewLoadingCache(
		func(k mango.Key) (mango.Value, error) {
			return sessionLoader(k.(string))
		},
		mango.WithMaximumSize(policy.SessionCacheMaxSize),
		mango.WithExpireAfterAccess(policy.SessionCacheDuration),
		mango.WithRemovalListener(m.onRemoval),
	)

	return m
}

// sharedEncryption is used to track the number of concurrent users to ensure sessions remain
// cached while in use.
type sharedEncryption struct {
	Encryption

	created time.Time

	accessCounter int
	mu            *sync.Mutex
	cond          *sync.Cond

	closed  bool
	removed bool
}

func (s *sharedEncryption) incrementUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessCounter++
}

func (s *sharedEncryption) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	s.accessCounter--
	if s.accessCounter <= 0 {
		s.closed = true
	}

	return nil
}

// Remove waits until every caller holding a reference to this session has released it, then
// closes the underlying encryption exactly once regardless of how many times Remove is called.
func (s *sharedEncryption) Remove() {
	s.mu.Lock()

	for s.accessCounter > 0 {
		s.cond.Wait()
	}

	alreadyRemoved := s.removed
	s.removed = true

	s.mu.Unlock()

	if !alreadyRemoved {
		s.Encryption.Close()
	}
}

// sessionLoaderFunc retrieves a Session corresponding to the given partition ID.
type sessionLoaderFunc func(id string) (*Session, error)

// newSessionCache returns a new SessionCache with the configured cache implementation
// using the provided sessionLoaderFunc and CryptoPolicy.
func newSessionCache(loader sessionLoaderFunc, policy *CryptoPolicy) SessionCache {
	wrapper := func(id string) (*Session, error) {
		s, err := loader(id)
		if err != nil {
			return nil, err
		}

		_, ok := s.encryption.(*sharedEncryption)
		if !ok {
			mu := new(sync.Mutex)
			orig := s.encryption
			wrapped := &sharedEncryption{
				Encryption: orig,
				created:    time.Now(),
				mu:         mu,
				cond:       sync.NewCond(mu),
			}

			sessionInjectEncryption(s, wrapped)
		}

		return s, nil
	}

	switch eng := policy.SessionCacheEngine; eng {
	case "", "default", "mango":
		return newMangoCache(wrapper, policy)
	case "ristretto":
		return newRistrettoCache(wrapper, policy)
	default:
		panic("invalid session cache engine: " + eng)
	}
}

// sessionInjectEncryption is used to inject e into s and is primarily used for testing.
func sessionInjectEncryption(s *Session, e Encryption) {
	s.encryption = e
}

// cacheStash tracks shared sessions that have been evicted from a SessionCache but are still
// being handed off to the cleanup processor, so that Close() can report how many removals were
// still in flight when it was called. Removal is processed asynchronously on its own goroutine
// so that eviction callbacks (which run on the underlying cache's own goroutine) never block on it.
type cacheStash struct {
	mu    sync.RWMutex
	items map[string]*Session

	removeCh chan string
	done     chan struct{}
}

func newCacheStash() *cacheStash {
	return &cacheStash{
		items:    make(map[string]*Session),
		removeCh: make(chan string, 1000),
		done:     make(chan struct{}),
	}
}

func (c *cacheStash) add(id string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[id] = s
}

func (c *cacheStash) get(id string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.items[id]

	return s, ok
}

func (c *cacheStash) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// remove queues id for removal. The removal itself happens on the stash's own goroutine.
func (c *cacheStash) remove(id string) {
	c.removeCh <- id
}

// process drains removal requests until close is called. It returns once done is closed and
// any queued removals have been applied.
func (c *cacheStash) process() {
	for {
		select {
		case id := <-c.removeCh:
			c.mu.Lock()
			delete(c.items, id)
			c.mu.Unlock()
		case <-c.done:
			for {
				select {
				case id := <-c.removeCh:
					c.mu.Lock()
					delete(c.items, id)
					c.mu.Unlock()
				default:
					return
				}
			}
		}
	}
}

func (c *cacheStash) close() {
	close(c.done)
}
