// Command authcored serves the authcore HTTP API and a gRPC health endpoint
// guarded by the same access tokens. All settings come from the environment,
// see the config package.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/alexedwards/scs/v2"
	"github.com/glebarez/sqlite"
	ac "github.com/panyam/authcore"
	"github.com/panyam/authcore/config"
	authgrpc "github.com/panyam/authcore/grpc"
	"github.com/panyam/authcore/logger"
	"github.com/panyam/authcore/oauth2"
	"github.com/panyam/authcore/saml"
	"github.com/panyam/authcore/stores/fs"
	"github.com/panyam/authcore/stores/gae"
	authgorm "github.com/panyam/authcore/stores/gorm"
	authredis "github.com/panyam/authcore/stores/redis"
	"github.com/panyam/authcore/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "authcored: %v\n", err)
		os.Exit(2)
	}
	log := logger.Must(logger.New(cfg.LogLevel))
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("authcored stopped", zap.Error(err))
	}
}

// stores is the persistence chosen by the config
type stores struct {
	accounts ac.AccountRepository
	ledger   ac.RefreshLedger
	otps     ac.OtpStore
	blobs    *fs.FSBlobStore
	close    []func() error
}

func (s *stores) Close() {
	for _, c := range s.close {
		c()
	}
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	out := &stores{
		blobs: fs.NewFSBlobStore(filepath.Join(cfg.StoragePath, "uploads"), strings.TrimSuffix(cfg.PublicURL, "/")+"/uploads"),
	}

	switch cfg.AccountStore {
	case "fs":
		out.accounts = fs.NewFSAccountRepository(cfg.StoragePath)
		out.ledger = fs.NewFSRefreshLedger(cfg.StoragePath)
	case "gorm":
		db, err := gorm.Open(sqlite.Open(cfg.DatabaseDSN), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := authgorm.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		out.accounts = authgorm.NewAccountRepository(db)
		out.ledger = authgorm.NewRefreshLedger(db)
		if sqlDB, err := db.DB(); err == nil {
			out.close = append(out.close, sqlDB.Close)
		}
	case "datastore":
		client, err := datastore.NewClientWithDatabase(ctx, cfg.DatastoreProject, cfg.DatastoreDatabase)
		if err != nil {
			return nil, fmt.Errorf("failed to create datastore client: %w", err)
		}
		out.accounts = gae.NewAccountRepository(client, "")
		out.ledger = gae.NewRefreshLedger(client, "")
		out.close = append(out.close, client.Close)
	}

	switch cfg.OtpStore {
	case "memory":
		out.otps = ac.NewMemoryOtpStore()
	case "redis":
		client, err := authredis.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			out.Close()
			return nil, err
		}
		out.otps = authredis.NewOtpStore(client)
		// spent refresh tokens expire on their own in redis
		out.ledger = authredis.NewRefreshLedger(client)
		out.close = append(out.close, client.Close)
	}
	return out, nil
}

func newNotifier(cfg config.Config, log *zap.Logger) ac.Notifier {
	links := ac.Links{ClientURL: cfg.ClientURL}
	if cfg.Notifier == "webhook" {
		return &ac.WebhookNotifier{
			Links:        links,
			URL:          cfg.NotifierURL,
			Token:        cfg.NotifierToken,
			Logger:       log,
			OtpTTL:       cfg.OtpTTL,
			ResetTTL:     cfg.ResetTTL,
			MagicLinkTTL: cfg.MagicLinkTTL,
		}
	}
	log.Warn("console notifier in use, codes and links are written to the log")
	return &ac.ConsoleNotifier{
		Links:        links,
		Logger:       log,
		OtpTTL:       cfg.OtpTTL,
		ResetTTL:     cfg.ResetTTL,
		MagicLinkTTL: cfg.MagicLinkTTL,
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tokens, err := ac.NewTokenIssuer(cfg.TokenIssuer())
	if err != nil {
		return err
	}
	notifier := newNotifier(cfg, log.Named("notifier"))
	resolver := &ac.IdentityResolver{
		Accounts: st.accounts,
		SideChannel: &ac.SideChannel{
			Otps:     st.otps,
			Accounts: st.accounts,
			Logger:   log.Named("sidechannel"),
		},
		Hasher:   &ac.BcryptHasher{},
		Tokens:   tokens,
		Notifier: notifier,
		Blobs:    st.blobs,
		OtpTTL:   cfg.OtpTTL,
		ResetTTL: cfg.ResetTTL,
		Logger:   log.Named("resolver"),
	}
	sessions := &ac.SessionManager{
		Resolver: resolver,
		Accounts: st.accounts,
		Tokens:   tokens,
		Notifier: notifier,
		Logger:   log.Named("sessions"),
	}
	if cfg.RotateRefresh {
		sessions.Ledger = st.ledger
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := web.NewMetrics(registry)

	srv := &web.Server{
		Sessions:  sessions,
		Resolver:  resolver,
		Browser:   browserSessions(cfg),
		Cookies:   web.CookieConfig{Domain: cfg.CookieDomain, Secure: cfg.Production()},
		ClientURL: cfg.ClientURL,
		Metrics:   metrics,
		Logger:    log.Named("web"),
	}
	if cfg.LoginRateLimit > 0 {
		srv.LoginLimiter = web.NewRateLimiter(web.DefaultRateLimiterConfig(cfg.LoginRateLimit))
		srv.LoginLimiter.OnLimited = metrics.RecordRateLimited
		defer srv.LoginLimiter.Stop()
	}

	providers, err := loginProviders(ctx, cfg, srv, log)
	if err != nil {
		return err
	}
	srv.Providers = oauth2.NewRegistry(providers...)
	for _, name := range srv.Providers.Names() {
		log.Info("login provider enabled", zap.String("provider", string(name)))
	}

	mux := http.NewServeMux()
	mux.Handle("/uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(st.blobs.Dir()))))
	mux.Handle("/", srv.Handler())
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer, healthServer := newGRPCServer(tokens, st.accounts, log)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on grpc addr %s: %w", cfg.GRPCAddr, err)
	}

	errs := make(chan error, 2)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("serve HTTP: %w", err)
			return
		}
		errs <- nil
	}()
	go func() {
		log.Info("grpc server listening", zap.String("addr", grpcListener.Addr().String()))
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errs <- fmt.Errorf("serve gRPC: %w", err)
			return
		}
		errs <- nil
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errs:
	}

	healthServer.Shutdown()
	grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return serveErr
}

func browserSessions(cfg config.Config) *scs.SessionManager {
	sm := scs.New()
	sm.Lifetime = 24 * time.Hour
	sm.Cookie.Name = "authcore_session"
	sm.Cookie.Domain = cfg.CookieDomain
	sm.Cookie.HttpOnly = true
	sm.Cookie.SameSite = http.SameSiteLaxMode
	sm.Cookie.Secure = cfg.Production()
	return sm
}

// loginProviders builds every provider with settings. Providers report
// profiles and failures back to srv.
func loginProviders(ctx context.Context, cfg config.Config, srv *web.Server, log *zap.Logger) ([]oauth2.Provider, error) {
	public := strings.TrimSuffix(cfg.PublicURL, "/")
	callback := func(set string, name ac.Provider) string {
		if set != "" {
			return set
		}
		return fmt.Sprintf("%s/api/auth/%s/callback", public, name)
	}

	var out []oauth2.Provider
	if cfg.GoogleClientID != "" {
		g := oauth2.NewGoogleOAuth2(cfg.GoogleClientID, cfg.GoogleClientSecret,
			callback(cfg.GoogleCallbackURL, ac.ProviderGoogle), srv.HandleProviderProfile)
		g.HandleFailure = srv.HandleProviderFailure
		g.Logger = log.Named("google")
		out = append(out, g)
	}
	if cfg.GithubClientID != "" {
		g := oauth2.NewGithubOAuth2(cfg.GithubClientID, cfg.GithubClientSecret,
			callback(cfg.GithubCallbackURL, ac.ProviderGithub), srv.HandleProviderProfile)
		g.HandleFailure = srv.HandleProviderFailure
		g.Logger = log.Named("github")
		out = append(out, g)
	}
	if cfg.OIDCIssuer != "" {
		name := ac.Provider(cfg.OIDCName)
		o, err := oauth2.NewOIDCOAuth2(ctx, name, cfg.OIDCIssuer, cfg.OIDCClientID, cfg.OIDCClientSecret,
			callback(cfg.OIDCCallbackURL, name), srv.HandleProviderProfile)
		if err != nil {
			return nil, err
		}
		o.HandleFailure = srv.HandleProviderFailure
		o.Logger = log.Named(string(name))
		out = append(out, o)
	}
	if cfg.SAMLMetadataURL != "" {
		sp, err := saml.New(ctx, saml.Options{
			RootURL:        public + "/api/auth/" + string(saml.ProviderName),
			IDPMetadataURL: cfg.SAMLMetadataURL,
			CertFile:       cfg.SAMLCertFile,
			KeyFile:        cfg.SAMLKeyFile,
		}, srv.HandleProviderProfile)
		if err != nil {
			return nil, err
		}
		sp.HandleFailure = srv.HandleProviderFailure
		sp.Logger = log.Named("saml")
		out = append(out, sp)
	}
	return out, nil
}

// newGRPCServer guards every method except health checks with access tokens
func newGRPCServer(tokens *ac.TokenIssuer, accounts ac.AccountRepository, log *zap.Logger) (*grpc.Server, *health.Server) {
	auth := authgrpc.NewPublicMethodsConfig(tokens,
		"/grpc.health.v1.Health/Check",
		"/grpc.health.v1.Health/Watch",
		"/grpc.health.v1.Health/List",
	)
	auth.Accounts = accounts
	auth.Logger = log.Named("grpc")

	server := grpc.NewServer(
		grpc.UnaryInterceptor(authgrpc.UnaryAuthInterceptor(auth)),
		grpc.StreamInterceptor(authgrpc.StreamAuthInterceptor(auth)),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return server, healthServer
}
