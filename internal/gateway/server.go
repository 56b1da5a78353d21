package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tickflow/config"
	"tickflow/internal/fanout"
	"tickflow/internal/health"
	"tickflow/internal/model"
	"tickflow/logger"
)

// TickCache serves last-known ticks so fresh subscribers get an initial
// value without waiting for the next update.
type TickCache interface {
	LastTick(symbol string) (model.Tick, bool)
}

// Server hosts the subscriber websocket endpoint plus the health and
// admin HTTP API.
type Server struct {
	cfg      config.GatewayConfig
	hub      *fanout.Hub
	reporter *health.Reporter
	cache    TickCache
	log      *logger.Log

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

func NewServer(cfg config.GatewayConfig, hub *fanout.Hub, reporter *health.Reporter, cache TickCache) *Server {
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		reporter: reporter,
		cache:    cache,
		log:      logger.GetLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser clients connect from app origins we do not control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and blocks until the context is cancelled
// or the server fails.
func (s *Server) Run(ctx context.Context) error {
	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	log := s.log.WithComponent("gateway")
	log.WithFields(logger.Fields{"address": s.cfg.Address}).Info("starting gateway server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

// Address reports the network address the gateway listens on.
func (s *Server) Address() string {
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/ws", s.handleWebsocket)

	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.reporter.Snapshot())
	})
	router.GET("/api/health/stream", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.reporter.PrimaryReport())
	})
	router.GET("/api/health/router", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.reporter.RouterReport())
	})

	router.POST("/api/admin/failover", func(c *gin.Context) {
		s.reporter.ForceFailover()
		c.JSON(http.StatusAccepted, gin.H{"status": "initiated", "action": "failover"})
	})
	router.POST("/api/admin/reconnect", func(c *gin.Context) {
		s.reporter.ForceReconnect()
		c.JSON(http.StatusAccepted, gin.H{"status": "initiated", "action": "reconnect"})
	})

	return router, nil
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("gateway").WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := newWSClient(conn, s)
	client.log.Debug("subscriber connected")

	go client.writePump()
	go client.readPump()
}

// handleCommand dispatches one inbound subscription command. Payloads
// that cannot be normalized produce an error response instead of being
// silently treated as empty.
func (s *Server) handleCommand(c *wsClient, cmd clientCommand) {
	switch cmd.Action {
	case actionSubscribe:
		class, err := parseAssetClass(cmd.AssetClass)
		if err != nil {
			c.sendError(cmd.RequestID, err.Error())
			return
		}
		symbols, err := normalizeSymbols(cmd.Symbols)
		if err != nil {
			c.sendError(cmd.RequestID, err.Error())
			return
		}
		if len(symbols) == 0 {
			c.sendError(cmd.RequestID, "subscribe requires at least one symbol")
			return
		}
		s.hub.Subscribe(c, class, symbols)
		c.sendAck(cmd, symbols)
		s.primeSubscriber(c, symbols)

	case actionSubscribeAssetClass:
		class, err := parseAssetClass(cmd.AssetClass)
		if err != nil {
			c.sendError(cmd.RequestID, err.Error())
			return
		}
		s.hub.Subscribe(c, class, nil)
		c.sendAck(cmd, nil)

	case actionUnsubscribe:
		class, err := parseAssetClass(cmd.AssetClass)
		if err != nil {
			c.sendError(cmd.RequestID, err.Error())
			return
		}
		symbols, err := normalizeSymbols(cmd.Symbols)
		if err != nil {
			c.sendError(cmd.RequestID, err.Error())
			return
		}
		s.hub.Unsubscribe(c, class, symbols)
		c.sendAck(cmd, symbols)

	case actionUnsubscribeAll:
		s.hub.OnDisconnect(c.id)
		c.sendAck(cmd, nil)

	default:
		c.sendError(cmd.RequestID, "unknown action "+cmd.Action)
	}
}

// primeSubscriber pushes the last-known tick for each newly subscribed
// symbol so the client renders a value before the next live update.
func (s *Server) primeSubscriber(c *wsClient, symbols []string) {
	if s.cache == nil {
		return
	}
	for _, symbol := range symbols {
		if tick, ok := s.cache.LastTick(symbol); ok {
			c.Send(tick)
		}
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8090"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8090"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8090")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8090")
	}

	return addr
}
