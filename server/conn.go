package server

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nicolagi/vanish/message"
	"github.com/nicolagi/vanish/storage"
	log "github.com/sirupsen/logrus"
)

type serverConn struct {
	id     uint64
	server *Server

	conn    net.Conn
	encoder *message.Encoder
	decoder *message.Decoder
	logger  *log.Entry
}

func (s *Server) wrapConn(conn net.Conn) *serverConn {
	id := atomic.AddUint64(&s.connIDs, 1)
	return &serverConn{
		id:      id,
		server:  s,
		conn:    conn,
		encoder: new(message.Encoder),
		decoder: &message.Decoder{
			IdleTimeout: s.opts.idleTimeout,
			ReadTimeout: s.opts.readTimeout,
		},
		logger: log.WithFields(log.Fields{
			"id":     id,
			"remote": conn.RemoteAddr(),
			"local":  conn.LocalAddr(),
		}),
	}
}

// serve handles exactly one request, then closes the connection. Transport
// and parse errors end the connection without a response.
func (sc *serverConn) serve() {
	defer sc.close()
	var request message.Request
	if err := sc.decoder.Decode(sc.conn, &request); err != nil {
		sc.logger.WithField("err", err).Info("Dropping request")
		return
	}
	logger := sc.logger.WithField("request", request.String())
	response := sc.apply(logger, request)
	if sc.server.opts.readTimeout > 0 {
		_ = sc.conn.SetWriteDeadline(time.Now().Add(sc.server.opts.readTimeout))
	}
	if err := sc.encoder.Encode(sc.conn, response); err != nil {
		logger.WithField("err", err).Warn("Failed writing response")
		return
	}
	logger.WithField("response", response.String()).Debug("Responded")
}

func (sc *serverConn) apply(logger *log.Entry, request message.Request) message.Response {
	blobs := sc.server.opts.blobs
	switch request.Method {
	case message.MethodPut:
		key, err := blobs.Put(request.Path, request.Body)
		switch {
		case err == nil:
			logger.WithFields(log.Fields{
				"key":  key,
				"size": humanize.Bytes(uint64(len(request.Body))),
			}).Info("Stored")
			return message.NewCreated(sc.host(), key, sc.server.opts.retention)
		case errors.Is(err, storage.ErrCollision):
			logger.WithField("err", err).Warn("Could not store")
			return message.NewConflict()
		case errors.Is(err, storage.ErrDiskFull):
			logger.WithField("err", err).Warn("Could not store")
			return message.NewInsufficientStorage()
		default:
			logger.WithField("err", err).Error("Could not store")
			return message.NewInternalError()
		}
	case message.MethodGet:
		value, err := blobs.Get(request.Path)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				logger.WithField("err", err).Debug("Not found")
			} else {
				logger.WithField("err", err).Error("Could not get")
			}
			return message.NewNotFound(request.Path)
		}
		logger.WithField("size", humanize.Bytes(uint64(len(value)))).Debug("Success")
		return message.NewContent(value)
	case message.MethodDelete:
		err := blobs.Delete(request.Path)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				logger.WithField("err", err).Debug("Not found")
			} else {
				logger.WithField("err", err).Error("Could not delete")
			}
			return message.NewNotDeleted(request.Path)
		}
		logger.Info("Deleted")
		return message.NewDeleted(request.Path)
	default:
		// The decoder lets through only the methods above.
		logger.Error("Unexpected method")
		return message.NewInternalError()
	}
}

func (sc *serverConn) host() string {
	if h := sc.server.opts.publicHost; h != "" {
		return h
	}
	return sc.conn.LocalAddr().String()
}

func (sc *serverConn) close() {
	if err := sc.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		sc.logger.WithFields(log.Fields{
			"err": err,
		}).Warn("Could not close connection")
	}
}
