// Command conduit sends one message to the configured target and prints the
// response, waiting for it on the decoupled endpoint when one is configured.
//
// Usage:
//
//	conduit -config conduit.yaml -payload request.xml
//	echo '<ping/>' | conduit -config conduit.yaml -payload - -oneway
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/go-conduit/internal/config"
	"github.com/sirosfoundation/go-conduit/internal/logging"
	"github.com/sirosfoundation/go-conduit/pkg/conduit"
	"github.com/sirosfoundation/go-conduit/pkg/correlation"
	"github.com/sirosfoundation/go-conduit/pkg/mep"
	"github.com/sirosfoundation/go-conduit/pkg/message"
	"github.com/sirosfoundation/go-conduit/pkg/transport"
)

var (
	configPath  = flag.String("config", "conduit.yaml", "Path to the configuration file")
	payloadPath = flag.String("payload", "-", "Request body file, - for stdin")
	contentType = flag.String("content-type", "", "Content type of the request body")
	method      = flag.String("method", http.MethodPost, "HTTP request method")
	pathInfo    = flag.String("path", "", "Path appended to the target address")
	oneway      = flag.Bool("oneway", false, "Send as a oneway exchange")
	wait        = flag.Duration("wait", 0, "How long to wait for a decoupled response (default correlation.maxWait)")
)

// ErrNoResponse is returned when no decoupled response arrives in time
var ErrNoResponse = errors.New("no decoupled response received")

type reply struct {
	code      int
	decoupled bool
	body      []byte
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "conduit: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	https, err := cfg.TLS.HTTPSConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := transport.NewRegistry(
		transport.WithTLSConfig(https),
		transport.WithLogger(logger),
		transport.WithServerTimeouts(cfg.Listener.ReadTimeout, cfg.Listener.WriteTimeout, cfg.Listener.IdleTimeout),
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := registry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("listener shutdown failed", slog.String("error", err.Error()))
		}
	}()

	corr := correlation.NewCorrelator(correlation.Config{
		DuplicateWindow: cfg.Correlation.DuplicateWindow,
		Logger:          logger,
		Fallback: transport.MessageObserverFunc(func(msg *message.Message) error {
			logger.Warn("discarding unrelated response", slog.Int("status", msg.ResponseCode()))
			if rc := msg.Content(); rc != nil {
				io.Copy(io.Discard, rc)
				rc.Close()
			}
			return nil
		}),
	})

	cc := cfg.ConduitConfig(https)
	cc.Registry = registry
	cc.Logger = logger
	c, err := conduit.New(cc)
	if err != nil {
		return err
	}
	defer c.Close()
	c.SetMessageObserver(corr)

	dest := c.BackChannel()
	if dest != nil && dest.Err() != nil {
		return fmt.Errorf("decoupled endpoint: %w", dest.Err())
	}

	payload, err := readPayload(*payloadPath)
	if err != nil {
		return err
	}

	replies := make(chan reply, 2)
	ex := newExchange(dest != nil)
	err = corr.Track(ex, transport.MessageObserverFunc(func(msg *message.Message) error {
		r := reply{code: msg.ResponseCode(), decoupled: msg.IsDecoupled()}
		if rc := msg.Content(); rc != nil {
			body, readErr := io.ReadAll(rc)
			rc.Close()
			if readErr != nil {
				return readErr
			}
			r.body = body
		}
		replies <- r
		return nil
	}))
	if err != nil {
		return err
	}

	if err := send(ctx, c, ex, dest, payload); err != nil {
		return err
	}

	select {
	case r := <-replies:
		printReply(logger, r)
		if r.code != http.StatusAccepted {
			return nil
		}
	default:
	}
	if dest == nil {
		return nil
	}

	maxWait := *wait
	if maxWait == 0 {
		maxWait = cfg.Correlation.MaxWait
	}
	return awaitDecoupled(ctx, logger, corr, replies, maxWait)
}

func newExchange(decoupled bool) *mep.Exchange {
	t := mep.TwoWay
	if *oneway {
		t = mep.OneWay
	}
	ex := mep.NewExchange(t)
	if decoupled {
		ex.Binding = mep.PushAndPush
	}
	return ex
}

func send(ctx context.Context, c *conduit.Conduit, ex *mep.Exchange, dest *conduit.DecoupledDestination, payload []byte) error {
	msg := message.New(ex)
	msg.Put(message.HTTPRequestMethod, *method)
	if *contentType != "" {
		msg.Put(message.ContentType, *contentType)
	}
	if *pathInfo != "" {
		msg.Put(message.PathInfo, *pathInfo)
	}

	req, err := c.Send(ctx, msg)
	if err != nil {
		return err
	}
	req.Header().Set(correlation.MessageIDHeader, ex.MessageID)
	if dest != nil {
		req.Header().Set(correlation.ReplyToHeader, dest.Address().String())
	}

	if _, err := req.Write(payload); err != nil {
		return err
	}
	return req.Finish()
}

// awaitDecoupled waits for the decoupled response while sweeping
// exchanges that waited longer than maxWait
func awaitDecoupled(ctx context.Context, logger *slog.Logger, corr *correlation.Correlator, replies <-chan reply, maxWait time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		for {
			select {
			case r := <-replies:
				printReply(logger, r)
				if r.decoupled {
					return nil
				}
			case <-timer.C:
				return fmt.Errorf("%w within %s", ErrNoResponse, maxWait)
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(max(maxWait/4, time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				corr.Sweep(maxWait)
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

func printReply(logger *slog.Logger, r reply) {
	logger.Info("response received",
		slog.Int("status", r.code),
		slog.Bool("decoupled", r.decoupled),
		slog.Int("bytes", len(r.body)))
	if len(r.body) > 0 {
		os.Stdout.Write(r.body)
		if r.body[len(r.body)-1] != '\n' {
			fmt.Fprintln(os.Stdout)
		}
	}
}

func readPayload(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return data, nil
}
