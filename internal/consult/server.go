package consult

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seers-hq/consultd/internal/config"
)

const (
	auditPurgeInterval = 6 * time.Hour
	evictInterval      = time.Minute
)

// Server wires the broker components together and owns their background loops.
type Server struct {
	cfg    *config.BrokerConfig
	db     *sql.DB
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	Availability *AvailabilityCoordinator
	Requests     *RequestBroker
	Queue        *QueueManager
	Sessions     *SessionManager
	Ledger       *Ledger
	Tokens       *TokenIssuer
	Hub          *Hub
	Audit        *AuditLogger
	Health       *HealthChecker
	API          *HTTPAPI

	discord *DiscordAlerter

	mu      sync.Mutex
	running bool
}

// NewServer builds every component from cfg. clock may be nil for the system clock.
func NewServer(cfg *config.BrokerConfig, db *sql.DB, clock Clock, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock()
	}
	InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, db: db, logger: logger, ctx: ctx, cancel: cancel}

	var alerts Alerter = nopAlerter{}
	if cfg.Alerts.Discord.BotToken != "" {
		discord, err := NewDiscordAlerter(cfg.Alerts.Discord.BotToken, cfg.Alerts.Discord.ChannelID, logger.Named("alerts"))
		if err != nil {
			cancel()
			return nil, err
		}
		s.discord = discord
		alerts = discord
	}

	if cfg.Audit.Enabled {
		s.Audit = NewAuditLogger(db, clock, logger.Named("audit"))
	}

	s.Tokens = NewTokenIssuer(db, clock, TokenIssuerConfig{
		JWTSecret:   []byte(cfg.Auth.JWTSecret),
		LoginSecret: cfg.Auth.LoginSecret,
		AccessTTL:   cfg.Auth.AccessTokenTTL(),
		RefreshTTL:  cfg.Auth.RefreshTokenTTL(),
	}, alerts, s.Audit, logger.Named("tokens"))

	s.Hub = NewHub(ctx, s.Tokens, cfg.Server.AllowedOrigins, logger.Named("hub"))

	parts := NewPartitions()
	billing := NewBillingPolicy(cfg.Billing)

	s.Availability = NewAvailabilityCoordinator(db, clock, cfg.Availability.LivenessWindow(), s.Hub, logger.Named("availability"))
	s.Hub.SetHeartbeatHandler(func(ctx context.Context, providerID string) error {
		_, err := s.Availability.Heartbeat(ctx, providerID)
		return err
	})

	s.Ledger = NewLedger(db, clock, logger.Named("ledger"))
	s.Sessions = NewSessionManager(SessionManagerDeps{
		DB:        db,
		Clock:     clock,
		Billing:   billing,
		Ledger:    s.Ledger,
		Parts:     parts,
		Notifier:  s.Hub,
		Alerts:    alerts,
		Residency: cfg.Database.Residency(),
		Logger:    logger.Named("sessions"),
	})
	s.Requests = NewRequestBroker(RequestBrokerDeps{
		DB:           db,
		Clock:        clock,
		TTL:          cfg.Requests.TTL(),
		Availability: s.Availability,
		Sessions:     s.Sessions,
		Ledger:       s.Ledger,
		Billing:      billing,
		Parts:        parts,
		Notifier:     s.Hub,
		Audit:        s.Audit,
		Residency:    cfg.Database.Residency(),
		Logger:       logger.Named("requests"),
	})
	s.Queue = NewQueueManager(QueueManagerDeps{
		DB:             db,
		Clock:          clock,
		TTL:            cfg.Queue.TTL(),
		AverageSession: cfg.Queue.AverageSession(),
		MaxLength:      cfg.Queue.MaxLength,
		Availability:   s.Availability,
		Sessions:       s.Sessions,
		Ledger:         s.Ledger,
		Billing:        billing,
		Parts:          parts,
		Notifier:       s.Hub,
		Audit:          s.Audit,
		Residency:      cfg.Database.Residency(),
		Logger:         logger.Named("queue"),
	})
	s.Health = NewHealthChecker(db, s.Hub, s.Ledger)

	api, err := NewHTTPAPI(HTTPAPIDeps{
		Availability:           s.Availability,
		Requests:               s.Requests,
		Queue:                  s.Queue,
		Sessions:               s.Sessions,
		Ledger:                 s.Ledger,
		Tokens:                 s.Tokens,
		Hub:                    s.Hub,
		Health:                 s.Health,
		Audit:                  s.Audit,
		Logger:                 logger.Named("http"),
		MinClientVersion:       cfg.Server.MinClientVersion,
		RequestsPerMinute:      cfg.RateLimit.RequestsPerMinute,
		Burst:                  cfg.RateLimit.Burst,
		LoginRequestsPerMinute: cfg.Auth.LoginRequestsPerMinute,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.API = api
	return s, nil
}

// Recover restores persisted state. Sessions load first so request and queue
// recovery can see which sources already started one.
func (s *Server) Recover(ctx context.Context) error {
	if err := s.Availability.LoadFromDB(ctx); err != nil {
		return err
	}
	if err := s.Sessions.LoadFromDB(ctx); err != nil {
		return err
	}
	expiredRequests, err := s.Requests.Recover(ctx)
	if err != nil {
		return err
	}
	expiredEntries, err := s.Queue.Recover(ctx)
	if err != nil {
		return err
	}

	s.logger.Info("state recovered",
		zap.Int("open_sessions", s.Sessions.ActiveCount()),
		zap.Int("expired_requests", expiredRequests),
		zap.Int("expired_entries", expiredEntries),
		zap.Uint64("corrupted_rows", s.Availability.RecoveryErrorCount()+s.Sessions.RecoveryErrorCount()+
			s.Requests.RecoveryErrorCount()+s.Queue.RecoveryErrorCount()),
	)
	return nil
}

// Handler returns the HTTP handler serving the API, the push channel and ops endpoints.
func (s *Server) Handler() http.Handler {
	return s.API.Handler()
}

// Run recovers state, then serves on ln (or the configured port when ln is nil)
// until ctx is cancelled or a component fails.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.Recover(ctx); err != nil {
		return err
	}

	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.HTTPPort))
		if err != nil {
			return fmt.Errorf("failed to bind to port %d: %w", s.cfg.Server.HTTPPort, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		s.cancel()
		return nil
	})
	g.Go(func() error {
		s.Hub.Run()
		return nil
	})
	g.Go(func() error {
		return s.Availability.RunSweeper(ctx, s.cfg.Availability.SweepInterval())
	})
	if s.discord != nil {
		g.Go(func() error {
			return s.discord.Run(ctx)
		})
	}
	g.Go(func() error {
		s.evictLoop(ctx)
		return nil
	})
	if s.Audit != nil {
		g.Go(func() error {
			s.purgeAuditLoop(ctx)
			return nil
		})
	}

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	g.Go(func() error {
		s.logger.Info("http api server starting", zap.String("addr", ln.Addr().String()))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http api shutdown error", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	s.logger.Info("consultd shutdown complete")
	return err
}

// IsRunning returns whether Run is active.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) purgeAuditLoop(ctx context.Context) {
	ticker := time.NewTicker(auditPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Audit.PurgeOlderThan(s.cfg.Audit.RetentionDays)
			if err != nil {
				s.logger.Warn("audit purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("audit log purged", zap.Int64("rows", n))
			}
		}
	}
}

// Evict drops finished requests, queue entries and sessions that have outlived the
// residency window from memory.
func (s *Server) Evict() int {
	return s.Requests.Evict() + s.Queue.Evict() + s.Sessions.Evict()
}

func (s *Server) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Evict(); n > 0 {
				s.logger.Debug("finished records evicted", zap.Int("count", n))
			}
		}
	}
}

// Close stops the push hub. Run does this itself on exit.
func (s *Server) Close() {
	s.cancel()
}
