package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicolagi/vanish/storage"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrNotListening is returned by Serve when Listen has not succeeded first.
var ErrNotListening = errors.New("not listening")

type Option func(*options)

type options struct {
	address       string
	blobs         *storage.BlobStore
	maxConcurrent int
	idleTimeout   time.Duration
	readTimeout   time.Duration
	publicHost    string
	retention     time.Duration
	acceptLimit   rate.Limit
	acceptBurst   int
}

func WithAddress(value string) Option {
	return func(o *options) {
		o.address = value
	}
}

func WithBlobStore(value *storage.BlobStore) Option {
	return func(o *options) {
		o.blobs = value
	}
}

// WithMaxConcurrent caps the number of connections being served at once.
// Connections beyond the cap are closed without a response.
func WithMaxConcurrent(value int) Option {
	return func(o *options) {
		o.maxConcurrent = value
	}
}

// WithIdleTimeout sets how long a client may pause before its upload is
// considered complete.
func WithIdleTimeout(value time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = value
	}
}

// WithReadTimeout bounds the time to receive a request line and headers, and
// to write a response.
func WithReadTimeout(value time.Duration) Option {
	return func(o *options) {
		o.readTimeout = value
	}
}

// WithPublicHost sets the host used in download links. By default, the
// address the connection was accepted on is used.
func WithPublicHost(value string) Option {
	return func(o *options) {
		o.publicHost = value
	}
}

// WithRetention sets the retention advertised to uploaders. Expiry itself is
// the collector's business.
func WithRetention(value time.Duration) Option {
	return func(o *options) {
		o.retention = value
	}
}

// WithAcceptRate throttles how fast connections are admitted. Connections
// over the rate are closed without a response, like those over the cap.
func WithAcceptRate(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.acceptLimit = limit
		o.acceptBurst = burst
	}
}

type Server struct {
	opts    options
	ln      net.Listener
	slots   *semaphore.Weighted
	limiter *rate.Limiter
	active  int64
	connIDs uint64

	handlers sync.WaitGroup

	mu       sync.Mutex
	conns    map[uint64]*serverConn
	shutdown bool
}

func New(opts ...Option) *Server {
	s := &Server{
		conns: make(map[uint64]*serverConn),
	}
	s.opts.address = ":80"
	s.opts.maxConcurrent = 16
	s.opts.retention = time.Hour
	s.opts.acceptLimit = rate.Inf
	for _, o := range opts {
		o(&s.opts)
	}
	if s.opts.maxConcurrent < 1 {
		s.opts.maxConcurrent = 1
	}
	if s.opts.blobs == nil {
		s.opts.blobs = storage.NewBlobStore(storage.NewInMemoryStore())
	}
	s.slots = semaphore.NewWeighted(int64(s.opts.maxConcurrent))
	if s.opts.acceptLimit != rate.Inf {
		s.limiter = rate.NewLimiter(s.opts.acceptLimit, s.opts.acceptBurst)
	}
	return s
}

func (s *Server) Listen() (addr string, err error) {
	s.ln, err = net.Listen("tcp", s.opts.address)
	if err != nil {
		return
	}
	addr = s.ln.Addr().String()
	return
}

// Serve accepts connections and spawns a goroutine for each admitted one. The
// function will return (some time after) shutdown is called, once all
// admitted connections have been handled.
func (s *Server) Serve() error {
	if s.ln == nil {
		return ErrNotListening
	}
	defer s.handlers.Wait()
	var delay time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// Shutdown must've been called. Interrupt the accept loop.
				break
			}
			// E.g., out of file descriptors. Back off rather than spin.
			delay = acceptBackoff(delay)
			log.WithFields(log.Fields{
				"err":   err,
				"delay": delay,
			}).Error("Could not accept")
			time.Sleep(delay)
			continue
		}
		delay = 0
		if !s.admit(conn) {
			continue
		}
		sc := s.wrapConn(conn)
		log.WithFields(log.Fields{
			"id":     sc.id,
			"remote": conn.RemoteAddr(),
			"local":  conn.LocalAddr(),
		}).Debug("Client attached")
		if !s.track(sc) {
			sc.close()
			s.slots.Release(1)
			continue
		}
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer s.release(sc)
			sc.serve()
		}()
	}
	return nil
}

// admit takes a slot for conn, or closes conn if none is free. Taking the
// slot is a single atomic step, so the cap holds under concurrent arrivals.
func (s *Server) admit(conn net.Conn) bool {
	logger := log.WithFields(log.Fields{
		"remote": conn.RemoteAddr(),
		"local":  conn.LocalAddr(),
	})
	if s.limiter != nil && !s.limiter.Allow() {
		logger.Warn("Dropping connection (accept rate exceeded)")
		closeConn(conn)
		return false
	}
	if !s.slots.TryAcquire(1) {
		logger.WithField("cap", s.opts.maxConcurrent).Warn("Dropping connection (too many active)")
		closeConn(conn)
		return false
	}
	return true
}

// track registers an admitted connection, so that shutdown can close it.
func (s *Server) track(sc *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[sc.id] = sc
	atomic.AddInt64(&s.active, 1)
	return true
}

func (s *Server) release(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc.id)
	atomic.AddInt64(&s.active, -1)
	s.mu.Unlock()
	s.slots.Release(1)
}

// Active returns the number of connections currently being served.
func (s *Server) Active() int {
	return int(atomic.LoadInt64(&s.active))
}

// Shutdown instructs the server to shutdown. This method will return
// immediately, while the server will have to be considered shut down only when
// Serve returns.
func (s *Server) Shutdown() error {
	// Stop accepting
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	// Stop accepted
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	for _, sc := range s.conns {
		sc.close()
	}
	return err
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func acceptBackoff(previous time.Duration) time.Duration {
	if previous == 0 {
		return minAcceptDelay
	}
	if next := 2 * previous; next < maxAcceptDelay {
		return next
	}
	return maxAcceptDelay
}

func closeConn(conn net.Conn) {
	if err := conn.Close(); err != nil {
		log.WithFields(log.Fields{
			"err": err,
		}).Debug("Could not close connection")
	}
}
