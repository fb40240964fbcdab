package web

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/custodian/internal/domain"
	"github.com/vadiminshakov/custodian/internal/events"
	"github.com/vadiminshakov/custodian/internal/ledger"
)

const (
	APIKeyHeader = "X-API-Key"

	heartbeatInterval = 30 * time.Second
	maxBodyBytes      = 1 << 16
)

// mutator runs ledger mutations one at a time.
type mutator interface {
	Deposit(ctx context.Context, asset common.Address, raw *uint256.Int, depositor common.Address) (ledger.Receipt, error)
	Withdraw(ctx context.Context, caller, asset common.Address, raw *uint256.Int, recipient common.Address) (ledger.Receipt, error)
	ConfigureAsset(ctx context.Context, caller, asset common.Address, precision uint8,
		source domain.PriceSource, sourceRef string) (domain.DescriptorTransition, error)
}

type reader interface {
	QuoteBalance(asset, holder common.Address) (domain.BalanceEntry, error)
	Quote(ctx context.Context, asset common.Address, raw *uint256.Int) (*uint256.Int, error)
	Stats() ledger.Stats
	Limits() ledger.Limits
	Assets() []domain.AssetDescriptor
}

type observationFeed interface {
	Subscribe() chan events.Record
	Unsubscribe(ch chan events.Record)
}

type instrumentation interface {
	Handler() http.Handler
	InstrumentHandler(next http.Handler) http.Handler
}

// FeedBuilder builds a price source and its reference for an asset configured over the API.
type FeedBuilder func(spec FeedSpec) (domain.PriceSource, string, error)

// Server exposes the ledger over HTTP.
type Server struct {
	Addr string

	ops     mutator
	reads   reader
	feed    observationFeed
	callers map[string]common.Address
	metrics instrumentation
	feeds   FeedBuilder
	logger  *zap.Logger
	mux     *http.ServeMux
	handler http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes /metrics and instruments every request.
func WithMetrics(m instrumentation) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithFeedBuilder enables price feeds on PUT /assets/{asset}.
func WithFeedBuilder(b FeedBuilder) Option {
	return func(s *Server) {
		s.feeds = b
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a new web server instance. callers maps API keys to caller addresses.
func NewServer(addr string, ops mutator, reads reader, feed observationFeed,
	callers map[string]common.Address, opts ...Option) *Server {
	s := &Server{
		Addr:    addr,
		ops:     ops,
		reads:   reads,
		feed:    feed,
		callers: callers,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux = http.NewServeMux()
	s.routes()
	s.handler = s.mux
	if s.metrics != nil {
		s.handler = s.metrics.InstrumentHandler(s.mux)
	}

	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /assets", s.handleAssets)
	s.mux.HandleFunc("PUT /assets/{asset}", s.handleConfigureAsset)
	s.mux.HandleFunc("GET /balances/{asset}/{holder}", s.handleBalance)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /observations/stream", s.handleObservationStream)
	s.mux.HandleFunc("POST /deposits", s.handleDeposit)
	s.mux.HandleFunc("POST /withdrawals", s.handleWithdraw)
	s.mux.HandleFunc("POST /quotes", s.handleQuote)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with automatic TLS certificates via ACME.
// It also starts an HTTP server on port 80 to handle ACME HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(domains) == 0 {
		return fmt.Errorf("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http (acme) server shutdown error", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("https server shutdown error", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http (acme) server error", zap.Error(err))
		}
	}()

	s.logger.Info("https server listening", zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
