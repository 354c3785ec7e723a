// Package gateway exposes the wallet over HTTP: minting and accepting
// vouchers, inspecting the local ledger, triggering settlement and
// reconciliation, and streaming settlement progress over WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/voucherpay/internal/balance"
	"github.com/terminal-bench/voucherpay/internal/chain"
	"github.com/terminal-bench/voucherpay/internal/identity"
	"github.com/terminal-bench/voucherpay/internal/ledger"
	"github.com/terminal-bench/voucherpay/internal/reconcile"
	"github.com/terminal-bench/voucherpay/internal/settlement"
	"github.com/terminal-bench/voucherpay/internal/voucher"
)

// Gateway is the wallet HTTP API.
type Gateway struct {
	router    *gin.Engine
	identity  *identity.Identity
	store     ledger.Store
	minter    *voucher.Minter
	engine    *settlement.Engine
	syncer    *reconcile.Syncer
	calc      *balance.Calculator
	jwtSecret string
	deviceID  string

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*wsClient
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Config holds gateway configuration.
type Config struct {
	JWTSecret string
	DeviceID  string
}

// NewGateway wires the API routes.
func NewGateway(cfg Config, id *identity.Identity, store ledger.Store, minter *voucher.Minter,
	engine *settlement.Engine, syncer *reconcile.Syncer, calc *balance.Calculator) *Gateway {

	g := &Gateway{
		router:    gin.Default(),
		identity:  id,
		store:     store,
		minter:    minter,
		engine:    engine,
		syncer:    syncer,
		calc:      calc,
		jwtSecret: cfg.JWTSecret,
		deviceID:  cfg.DeviceID,
		wsClients: make(map[uuid.UUID]*wsClient),
	}
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.GET("/health", g.healthCheck)
	g.router.POST("/api/v1/session", g.createSession)

	v1 := g.router.Group("/api/v1", g.authMiddleware())
	{
		v1.POST("/vouchers", g.mintVoucher)
		v1.POST("/vouchers/accept", g.acceptVoucher)

		v1.GET("/ledger/records", g.listRecords)
		v1.GET("/ledger/records/:id", g.getRecord)
		v1.POST("/ledger/records/:id/retry", g.retryRecord)
		v1.DELETE("/ledger/settled", g.purgeSettled)

		v1.POST("/settlement/run", g.runSettlement)
		v1.GET("/settlement/ws", g.handleWebSocket)
		v1.POST("/reconcile/run", g.runReconcile)

		v1.GET("/balance", g.getBalance)
	}
}

// Start runs the HTTP server.
func (g *Gateway) Start(addr string) error {
	return g.router.Run(addr)
}

// Handler exposes the router for embedding in an http.Server.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Sessions

type sessionClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

func (g *Gateway) createSession(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.DeviceID != g.deviceID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown device"})
		return
	}

	claims := &sessionClaims{
		DeviceID: req.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(g.jwtSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "address": g.identity.Address()})
}

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims := &sessionClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(g.jwtSecret), nil
		})
		if err != nil || !parsed.Valid || claims.DeviceID != g.deviceID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (g *Gateway) mintVoucher(c *gin.Context) {
	var req struct {
		ToAddress string `json:"to_address" binding:"required"`
		Amount    string `json:"amount" binding:"required"`
		Contract  string `json:"contract"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	asset := chain.Native
	if req.Contract != "" {
		asset = chain.Token(req.Contract)
	}

	v, err := g.minter.Mint(c.Request.Context(), g.identity, req.ToAddress, amount, asset)
	if err != nil {
		c.JSON(mintStatus(err), gin.H{"error": err.Error()})
		return
	}
	encoded, err := voucher.Encode(v)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"voucher":     encoded,
		"voucher_ref": v.ClaimKey,
		"issued_at":   v.IssuedAt,
	})
}

func mintStatus(err error) int {
	switch {
	case errors.Is(err, voucher.ErrInvalidAmount),
		errors.Is(err, voucher.ErrCeilingExceeded),
		errors.Is(err, voucher.ErrInvalidRecipient),
		errors.Is(err, voucher.ErrSelfPayment):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrAllowanceExceeded):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) acceptVoucher(c *gin.Context) {
	var req struct {
		Voucher string `json:"voucher" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	rec, err := g.minter.Accept(c.Request.Context(), g.identity, req.Voucher)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ledger.ErrDuplicateVoucher) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (g *Gateway) listRecords(c *gin.Context) {
	var (
		recs []*ledger.Record
		err  error
	)
	if status := c.Query("status"); status != "" {
		if !ledger.Status(status).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
			return
		}
		recs, err = g.store.GetByStatus(c.Request.Context(), ledger.Status(status))
	} else {
		recs, err = g.store.GetAll(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (g *Gateway) getRecord(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}
	rec, err := g.store.Get(c.Request.Context(), id)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (g *Gateway) retryRecord(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return
	}
	rec, err := g.engine.Retry(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ledger.ErrRecordNotFound):
			status = http.StatusNotFound
		case errors.Is(err, ledger.ErrInvalidTransition):
			status = http.StatusConflict
		case errors.Is(err, ledger.ErrAllowanceExceeded):
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (g *Gateway) purgeSettled(c *gin.Context) {
	removed, err := g.store.PurgeSettled(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (g *Gateway) runSettlement(c *gin.Context) {
	results, err := g.engine.SettleAll(c.Request.Context(), g.identity, g.broadcastProgress)
	if errors.Is(err, settlement.ErrAlreadyInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (g *Gateway) runReconcile(c *gin.Context) {
	if g.syncer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no remote snapshot store configured"})
		return
	}
	report, err := g.syncer.Sync(c.Request.Context(), g.identity)
	if err != nil {
		// Remote unavailability degrades to a skipped cycle, not a failure.
		c.JSON(http.StatusOK, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (g *Gateway) getBalance(c *gin.Context) {
	balances, err := g.calc.Balances(c.Request.Context(), g.identity.Address())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, balances)
}

// WebSocket settlement progress stream

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 16),
		done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *wsClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (g *Gateway) broadcastProgress(p settlement.Progress) {
	payload, err := json.Marshal(p)
	if err != nil {
		return
	}

	g.wsMu.RLock()
	defer g.wsMu.RUnlock()
	for _, client := range g.wsClients {
		select {
		case client.send <- payload:
		default:
			// Slow consumer; drop the update rather than stall the run.
		}
	}
}

// RunPeriodicSync reconciles on a fixed interval until ctx is cancelled.
// Without a remote snapshot store there is nothing to reconcile against.
func (g *Gateway) RunPeriodicSync(ctx context.Context, every time.Duration) {
	if g.syncer == nil {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.syncer.Sync(ctx, g.identity)
		}
	}
}
