package server_test

import (
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/nicolagi/vanish/client"
	"github.com/nicolagi/vanish/server"
	"github.com/nicolagi/vanish/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var linkPattern = regexp.MustCompile(`"http://([^/"]+)/([0-9a-f]{16})"`)

func TestServer(t *testing.T) {
	t.Run("can be shutdown right after start", func(t *testing.T) {
		_, _, cleanup := newDisposableServer(t)
		defer cleanup()
	})
	t.Run("shutdown closes idle clients", func(t *testing.T) {
		address, srv, cleanup := newDisposableServer(t)
		conn, err := net.Dial("tcp", address)
		require.Nil(t, err)
		defer func() {
			_ = conn.Close()
		}()
		require.Eventually(t, func() bool { return srv.Active() == 1 }, 2*time.Second, 5*time.Millisecond)
		cleanup()
		assert.Equal(t, 0, srv.Active())
	})
	t.Run("can be shutdown before listening", func(t *testing.T) {
		srv := server.New()
		assert.Nil(t, srv.Shutdown())
		assert.True(t, errors.Is(srv.Serve(), server.ErrNotListening))
	})
	t.Run("binding an address in use fails", func(t *testing.T) {
		address, _, cleanup := newDisposableServer(t)
		defer cleanup()
		_, err := server.New(server.WithAddress(address)).Listen()
		assert.NotNil(t, err)
	})
	t.Run("put, get, delete, get", func(t *testing.T) {
		address, _, cleanup := newDisposableServer(t)
		defer cleanup()

		// The client does not hang up: the body ends when the connection goes idle.
		response := string(roundTrip(t, address, "PUT /x HTTP/1.1\r\n\r\nhello", false))
		require.Regexp(t, `^HTTP/1\.1 200 `, response)
		match := linkPattern.FindStringSubmatch(response)
		require.NotNil(t, match, response)
		assert.Equal(t, address, match[1])
		key := match[2]

		response = string(roundTrip(t, address, fmt.Sprintf("GET /%s HTTP/1.1\r\n\r\n", key), false))
		assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", response)

		response = string(roundTrip(t, address, fmt.Sprintf("DELETE /%s HTTP/1.1\r\n\r\n", key), false))
		assert.Regexp(t, `^HTTP/1\.1 200 `, response)

		response = string(roundTrip(t, address, fmt.Sprintf("GET /%s HTTP/1.1\r\n\r\n", key), false))
		assert.Regexp(t, `^HTTP/1\.1 404 `, response)

		response = string(roundTrip(t, address, fmt.Sprintf("DELETE /%s HTTP/1.1\r\n\r\n", key), false))
		assert.Regexp(t, `^HTTP/1\.1 404 `, response)
	})
	t.Run("download link uses the public host", func(t *testing.T) {
		address, _, cleanup := newDisposableServer(t, server.WithPublicHost("files.example.org"))
		defer cleanup()
		upload, err := client.New(client.WithAddress(address)).Put("notes.txt", []byte("notes"))
		require.Nil(t, err)
		assert.Equal(t, "http://files.example.org/"+upload.Key, upload.URL)
	})
	t.Run("get resolves only the final path component", func(t *testing.T) {
		address, _, cleanup := newDisposableServer(t)
		defer cleanup()
		c := client.New(client.WithAddress(address))
		upload, err := c.Put("secret", []byte("s3cr3t"))
		require.Nil(t, err)
		response := string(roundTrip(t, address, fmt.Sprintf("GET /a/b/../../%s HTTP/1.1\r\n\r\n", upload.Key), true))
		assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\ns3cr3t", response)
		response = string(roundTrip(t, address, "GET /../../etc/passwd HTTP/1.1\r\n\r\n", true))
		assert.Regexp(t, `^HTTP/1\.1 404 `, response)
	})
	t.Run("malformed requests get no response", func(t *testing.T) {
		address, _, cleanup := newDisposableServer(t)
		defer cleanup()
		for _, request := range []string{
			"GET /x\r\n\r\n",
			"GET\r\n\r\n",
			"GET /x FTP/1.1\r\n\r\n",
			"POST /x HTTP/1.1\r\n\r\nbody",
			"BREW /pot HTTP/1.1\r\n\r\n",
			"no line feed at all",
		} {
			response := roundTrip(t, address, request, true)
			assert.Empty(t, response, "%q", request)
		}
	})
	t.Run("round trip via client", func(t *testing.T) {
		address, _, cleanup := newDisposableServer(t)
		defer cleanup()
		c := client.New(client.WithAddress(address))
		before := make([]byte, 1<<20)
		for i := range before {
			before[i] = byte(i * 7)
		}
		upload, err := c.Put("big.bin", before)
		require.Nil(t, err)
		after, err := c.Get(upload.Key)
		require.Nil(t, err)
		assert.True(t, bytes.Equal(before, after))
		require.Nil(t, c.Delete(upload.Key))
		_, err = c.Get(upload.Key)
		assert.True(t, errors.Is(err, client.ErrNotFound), "got %v", err)
		err = c.Delete(upload.Key)
		assert.True(t, errors.Is(err, client.ErrNotFound), "got %v", err)
	})
	t.Run("collision is reported", func(t *testing.T) {
		blobs := storage.NewBlobStore(
			storage.NewInMemoryStore(),
			storage.WithDigest(func(path, data, salt []byte) uint64 { return 1 }),
		)
		address, _, cleanup := newDisposableServer(t, server.WithBlobStore(blobs))
		defer cleanup()
		c := client.New(client.WithAddress(address))
		_, err := c.Put("a", []byte("a"))
		require.Nil(t, err)
		_, err = c.Put("b", []byte("b"))
		var statusErr *client.StatusError
		require.True(t, errors.As(err, &statusErr), "got %v", err)
		assert.Equal(t, 409, statusErr.Status)
	})
	t.Run("full disk is reported", func(t *testing.T) {
		dir := t.TempDir()
		blobs := storage.NewBlobStore(
			storage.NewDiskStore(dir),
			storage.WithDiskGuard(&storage.DiskGuard{
				Dir:        dir,
				MaxPercent: 90,
				Usage:      func(string) (float64, error) { return 99, nil },
			}),
		)
		address, _, cleanup := newDisposableServer(t, server.WithBlobStore(blobs))
		defer cleanup()
		_, err := client.New(client.WithAddress(address)).Put("a", []byte("a"))
		var statusErr *client.StatusError
		require.True(t, errors.As(err, &statusErr), "got %v", err)
		assert.Equal(t, 507, statusErr.Status)
	})
}

func TestServerAdmission(t *testing.T) {
	t.Run("connections over the cap are closed without a response", func(t *testing.T) {
		const maxConcurrent = 3
		address, srv, cleanup := newDisposableServer(t, server.WithMaxConcurrent(maxConcurrent))
		defer cleanup()

		// Slow clients: connected, but not sending anything yet.
		var slow []net.Conn
		for i := 0; i < maxConcurrent; i++ {
			conn, err := net.Dial("tcp", address)
			require.Nil(t, err)
			defer func() {
				_ = conn.Close()
			}()
			slow = append(slow, conn)
		}
		require.Eventually(t, func() bool { return srv.Active() == maxConcurrent }, 2*time.Second, 5*time.Millisecond)

		response := roundTrip(t, address, "GET /x HTTP/1.1\r\n\r\n", true)
		assert.Empty(t, response)
		assert.Equal(t, maxConcurrent, srv.Active())

		for _, conn := range slow {
			response := finish(t, conn, "GET /x HTTP/1.1\r\n\r\n")
			assert.Regexp(t, `^HTTP/1\.1 404 `, string(response))
		}
		require.Eventually(t, func() bool { return srv.Active() == 0 }, 2*time.Second, 5*time.Millisecond)

		// Slots are given back.
		response = roundTrip(t, address, "GET /x HTTP/1.1\r\n\r\n", true)
		assert.Regexp(t, `^HTTP/1\.1 404 `, string(response))
	})
	t.Run("concurrent clients are either served or dropped", func(t *testing.T) {
		address, _, cleanup := newDisposableServer(t, server.WithMaxConcurrent(4))
		defer cleanup()
		c := client.New(client.WithAddress(address))
		const clients = 32
		var wg sync.WaitGroup
		errs := make(chan error, clients)
		for i := 0; i < clients; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				value := []byte(fmt.Sprintf("value %d", i))
				upload, err := c.Put(fmt.Sprintf("file-%d", i), value)
				if err != nil {
					errs <- err
					return
				}
				got, err := c.Get(upload.Key)
				if err == nil && !bytes.Equal(value, got) {
					err = fmt.Errorf("got %q, want %q", got, value)
				}
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		var served int
		for err := range errs {
			if err == nil {
				served++
				continue
			}
			assert.True(t, errors.Is(err, client.ErrNoResponse), "got %v", err)
		}
		assert.True(t, served > 0)
	})
	t.Run("connections over the accept rate are closed without a response", func(t *testing.T) {
		address, _, cleanup := newDisposableServer(t, server.WithAcceptRate(rate.Every(time.Hour), 1))
		defer cleanup()
		response := roundTrip(t, address, "GET /x HTTP/1.1\r\n\r\n", true)
		assert.Regexp(t, `^HTTP/1\.1 404 `, string(response))
		response = roundTrip(t, address, "GET /x HTTP/1.1\r\n\r\n", true)
		assert.Empty(t, response)
	})
	t.Run("trickling clients give their slot back", func(t *testing.T) {
		address, srv, cleanup := newDisposableServer(t,
			server.WithMaxConcurrent(1),
			server.WithReadTimeout(200*time.Millisecond),
		)
		defer cleanup()
		conn, err := net.Dial("tcp", address)
		require.Nil(t, err)
		defer func() {
			_ = conn.Close()
		}()
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			if _, err := conn.Write([]byte("BREW /pot HTTP/1.1\r\n")); err != nil {
				return
			}
			for {
				select {
				case <-stop:
					return
				case <-time.After(20 * time.Millisecond):
				}
				if _, err := conn.Write([]byte("x")); err != nil {
					return
				}
			}
		}()
		require.Eventually(t, func() bool { return srv.Active() == 1 }, 2*time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool { return srv.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
		response := roundTrip(t, address, "GET /x HTTP/1.1\r\n\r\n", true)
		assert.Regexp(t, `^HTTP/1\.1 404 `, string(response))
	})
}

func newDisposableServer(t *testing.T, opts ...server.Option) (address string, srv *server.Server, cleanup func()) {
	opts = append([]server.Option{
		server.WithAddress("localhost:0"),
		server.WithIdleTimeout(50 * time.Millisecond),
		server.WithReadTimeout(5 * time.Second),
		server.WithBlobStore(storage.NewBlobStore(storage.NewDiskStore(t.TempDir()))),
	}, opts...)
	srv = server.New(opts...)
	address, err := srv.Listen()
	require.Nil(t, err)
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve()
	}()
	return address, srv, func() {
		assert.Nil(t, srv.Shutdown())
		assert.Nil(t, <-errc)
	}
}

// roundTrip writes request on a new connection and returns everything the
// server sends back before closing. With hangUp, the client closes its write
// side after the request.
func roundTrip(t *testing.T, address string, request string, hangUp bool) []byte {
	t.Helper()
	conn, err := net.Dial("tcp", address)
	require.Nil(t, err)
	defer func() {
		_ = conn.Close()
	}()
	if hangUp {
		return finish(t, conn, request)
	}
	require.Nil(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write([]byte(request))
	require.Nil(t, err)
	// Errors (e.g., a reset from a dropped connection) are of no interest,
	// only what was received.
	response, _ := ioutil.ReadAll(conn)
	return response
}

func finish(t *testing.T, conn net.Conn, request string) []byte {
	t.Helper()
	require.Nil(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	// The server may have closed the connection already.
	_, _ = conn.Write([]byte(request))
	_ = conn.(*net.TCPConn).CloseWrite()
	response, _ := ioutil.ReadAll(conn)
	return response
}
