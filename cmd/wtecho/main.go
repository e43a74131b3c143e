package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/security-union/h3"
	"github.com/security-union/h3/internal/certs"
	"github.com/security-union/h3/webtransport"
)

var version = "dev"

// shutdownGrace is how long in-flight requests get to finish after a
// shutdown signal before their connections are torn down.
const shutdownGrace = 5 * time.Second

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	addr := envOr("WTECHO_ADDR", ":4433")

	slog.Info("wtecho starting",
		"version", version,
		"addr", addr,
		"cert_hash", cert.FingerprintBase64(),
	)

	if err := serve(ctx, addr, cert); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// serve runs the QUIC listener until ctx is cancelled, handing each
// connection to its own goroutine.
func serve(ctx context.Context, addr string, cert *certs.CertInfo) error {
	ln, err := quic.ListenAddr(addr, cert.TLSConfig(h3.NextProtoH3), &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		EnableDatagrams: true,
	})
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	slog.Info("echo server listening", "addr", addr)

	g, ctx := errgroup.WithContext(ctx)
	for {
		qconn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("accept: %w", err)
		}
		g.Go(func() error {
			serveConn(ctx, qconn)
			return nil
		})
	}
	return g.Wait()
}

// serveConn drives one HTTP/3 connection. Plain requests get a small
// text response; the first WebTransport CONNECT hands the connection
// over to an echo session. On shutdown the connection stops admitting
// new requests and is torn down after a grace period.
func serveConn(ctx context.Context, qconn quic.Connection) {
	log := slog.With("remote", qconn.RemoteAddr().String())

	conn, err := h3.NewConnection(qconn, h3.WebTransportConfig())
	if err != nil {
		log.Error("connection setup failed", "error", err)
		return
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Shutdown(0)
		time.Sleep(shutdownGrace)
		conn.Close()
	})
	defer stop()

	for {
		req, rs, err := conn.Accept(context.Background())
		if err != nil {
			var serr *h3.StreamError
			if errors.As(err, &serr) {
				log.Debug("request failed", "stream_id", int64(serr.StreamID), "error", err)
				continue
			}
			if !errors.Is(err, h3.ErrConnectionClosed) {
				log.Warn("connection failed", "error", err)
			}
			return
		}

		if req.Method == http.MethodConnect && req.Proto == webtransport.Protocol {
			sess, err := webtransport.Accept(ctx, req, rs, conn)
			if err != nil {
				log.Warn("webtransport establishment failed", "error", err)
				rs.Close()
				return
			}
			echoSession(ctx, log, sess)
			return
		}

		go serveRequest(log, req, rs)
	}
}

// serveRequest answers a plain HTTP/3 request with a one-line text
// body naming the method, path, and body size.
func serveRequest(log *slog.Logger, req *http.Request, rs *h3.RequestStream) {
	defer rs.Close()

	body := 0
	for {
		p, err := rs.RecvData()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("request body failed", "stream_id", int64(rs.StreamID()), "error", err)
				return
			}
			break
		}
		body += len(p)
	}

	hdr := http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}}
	if err := rs.SendResponse(http.StatusOK, hdr); err != nil {
		log.Debug("response headers failed", "stream_id", int64(rs.StreamID()), "error", err)
		return
	}
	msg := fmt.Sprintf("wtecho: %s %s (%d body bytes)\n", req.Method, req.URL.Path, body)
	if err := rs.SendData([]byte(msg)); err != nil {
		log.Debug("response body failed", "stream_id", int64(rs.StreamID()), "error", err)
		return
	}
	if err := rs.Finish(); err != nil {
		log.Debug("response finish failed", "stream_id", int64(rs.StreamID()), "error", err)
	}
}

// echoSession echoes everything the peer sends over the session:
// datagrams come back with a "Response: " prefix, unidirectional
// payloads are echoed onto fresh server-opened uni streams, and
// bidirectional streams are copied back in place.
func echoSession(ctx context.Context, log *slog.Logger, sess *webtransport.Session) {
	defer sess.Close()

	log = log.With("session_id", int64(sess.SessionID()))
	log.Info("echo session started")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			p, err := sess.ReceiveDatagram(ctx)
			if err != nil {
				return err
			}
			log.Debug("echoing datagram", "bytes", len(p))
			if err := sess.SendDatagram(append([]byte("Response: "), p...)); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		for {
			str, err := sess.AcceptUniStream(ctx)
			if err != nil {
				return err
			}
			g.Go(func() error {
				echoUniStream(ctx, log, sess, str)
				return nil
			})
		}
	})

	g.Go(func() error {
		for {
			str, err := sess.AcceptStream(ctx)
			if err != nil {
				return err
			}
			g.Go(func() error {
				echoBidiStream(log, str)
				return nil
			})
		}
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, h3.ErrConnectionClosed) && ctx.Err() == nil {
		log.Warn("echo session ended", "error", err)
		return
	}
	log.Info("echo session ended")
}

// echoUniStream reads a whole unidirectional payload and sends it back
// on a server-opened uni stream.
func echoUniStream(ctx context.Context, log *slog.Logger, sess *webtransport.Session, str *webtransport.ReceiveStream) {
	payload, err := io.ReadAll(str)
	if err != nil {
		log.Debug("uni stream read failed", "stream_id", int64(str.StreamID()), "error", err)
		return
	}
	log.Debug("echoing uni stream", "stream_id", int64(str.StreamID()), "bytes", len(payload))

	out, err := sess.OpenUniStreamSync(ctx)
	if err != nil {
		log.Debug("uni stream open failed", "error", err)
		return
	}
	defer out.Close()
	if _, err := out.Write(payload); err != nil {
		log.Debug("uni stream write failed", "stream_id", int64(out.StreamID()), "error", err)
	}
}

// echoBidiStream copies a bidirectional stream back onto itself until
// the peer finishes sending.
func echoBidiStream(log *slog.Logger, str *webtransport.Stream) {
	defer str.Close()
	n, err := io.Copy(str, str)
	if err != nil {
		log.Debug("bidi echo failed", "stream_id", int64(str.StreamID()), "error", err)
		return
	}
	log.Debug("bidi stream echoed", "stream_id", int64(str.StreamID()), "bytes", n)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
