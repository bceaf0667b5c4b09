package devicesim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	derrors "github.com/espwasm/wasmctl/internal/errors"
	"github.com/espwasm/wasmctl/internal/logging"
	"github.com/espwasm/wasmctl/internal/protocol"
)

// Serve accepts connections on ln and answers requests until ctx is
// cancelled or ln fails. Each connection is served on its own goroutine.
func (d *Device) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		_ = ln.Close()
		return nil
	})

	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				d.serveConn(ctx, nc)
				return nil
			})
		}
	})

	return g.Wait()
}

func (d *Device) serveConn(ctx context.Context, nc net.Conn) {
	log := logging.L().With(
		zap.String("conn_id", uuid.NewString()),
		zap.String("remote", nc.RemoteAddr().String()),
	)
	log.Info("client connected")

	d.metrics.connectionsTotal.Inc()
	d.metrics.connectionsOpen.Inc()
	defer d.metrics.connectionsOpen.Dec()

	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer stop()
	defer nc.Close()

	// last request applied on this connection; a resend carries the same
	// id and is answered without applying it again
	var last struct {
		id   uint32
		tag  protocol.Tag
		resp protocol.Message
	}

	for {
		data, err := protocol.ReadFrame(nc)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				log.Info("client disconnected")
			case derrors.Is(err, derrors.ProtocolError):
				// the stream cannot be resynchronized after a bad length
				log.Warn("closing desynchronized connection", zap.Error(err))
			default:
				log.Warn("read failed", zap.Error(err))
			}
			return
		}

		id := binary.BigEndian.Uint32(data[4:8])
		var resp protocol.Message
		frame, err := protocol.Decode(data)
		switch {
		case err != nil:
			log.Warn("bad frame", zap.Uint32("request_id", id), zap.Error(err))
			resp = protocol.ErrorResponse{Kind: derrors.ProtocolError, Message: err.Error()}
		case frame.Message.Tag().IsResponse():
			resp = protocol.ErrorResponse{Kind: derrors.ProtocolError,
				Message: fmt.Sprintf("unexpected %s frame", frame.Message.Tag())}
		default:
			var prev protocol.Message
			if last.resp != nil && last.id == id && last.tag == frame.Message.Tag() {
				prev = last.resp
			}
			var ok bool
			resp, ok = d.handle(frame.Message, prev)
			last.id, last.tag, last.resp = id, frame.Message.Tag(), resp
			log.Debug("request handled",
				zap.Uint32("request_id", id),
				zap.Stringer("tag", frame.Message.Tag()),
				zap.Bool("replayed", prev != nil),
				zap.Bool("dropped", !ok),
			)
			if !ok {
				continue
			}
		}

		if err := protocol.WriteFrame(nc, protocol.Frame{RequestID: id, Message: resp}); err != nil {
			log.Warn("write failed", zap.Error(err))
			return
		}
	}
}

// Options configures Run.
type Options struct {
	// Listen is the device protocol address.
	Listen string
	// Root is a host directory backing the device filesystem. Empty
	// selects an in-memory filesystem.
	Root string
	// MetricsListen serves /metrics when non-empty.
	MetricsListen string
	// Dirs are created at start, e.g. /spiffs.
	Dirs []string
}

// Run builds a device from opts and serves it until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	var fsys FS
	if opts.Root != "" {
		dfs, err := NewDirFS(opts.Root, opts.Dirs...)
		if err != nil {
			return err
		}
		fsys = dfs
	} else {
		fsys = NewMemFS(opts.Dirs...)
	}
	dev := New(fsys)

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", opts.Listen, err)
	}
	logging.Info("device simulator listening", logging.String("address", ln.Addr().String()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dev.Serve(ctx, ln) })

	if opts.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", dev.Metrics().Handler())
		srv := &http.Server{
			Addr:              opts.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logging.Info("metrics listening", logging.String("address", opts.MetricsListen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
