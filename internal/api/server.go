package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"CipherPool/internal/ingestion"
	"CipherPool/internal/observability"
	"CipherPool/internal/op"
	"CipherPool/internal/pool"
	"CipherPool/internal/projection"
	"CipherPool/internal/query"
)

// Server is the HTTP/JSON surface: operation submission on the write
// side, projection-backed queries on the read side. Write handlers
// validate and parse, then hand the typed op to the core loop over
// opChan; they never touch core state directly.
type Server struct {
	addr    string
	engine  *gin.Engine
	httpSrv *http.Server

	opChan  chan<- op.Op
	service *query.Service
	history *projection.SettlementHistory
	health  *observability.HealthChecker
	metrics *observability.Metrics
}

// Deps holds everything the HTTP handlers need.
type Deps struct {
	OpChan  chan<- op.Op
	Service *query.Service
	History *projection.SettlementHistory
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
}

func NewServer(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		addr:    addr,
		engine:  engine,
		opChan:  deps.OpChan,
		service: deps.Service,
		history: deps.History,
		health:  deps.Health,
		metrics: deps.Metrics,
	}

	engine.Use(s.observe())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", gin.WrapF(s.health.LivenessHandler))
	s.engine.GET("/readyz", gin.WrapF(s.health.ReadinessHandler))

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/deposits", s.submitOp("Deposit"))
		v1.POST("/intents", s.submitOp("IntentSubmit"))
		v1.POST("/pools/:poolId/finalize", s.submitFinalize)
		v1.POST("/settlements", s.submitOp("BatchSettle"))
		v1.POST("/transfers", s.submitOp("PlainTransfer"))

		v1.GET("/pools/:poolId/tokens/:asset", s.getPoolToken)
		v1.GET("/pools/:poolId/reserves", s.getReserves)
		v1.GET("/pools/:poolId/settlements", s.getSettlements)
		v1.GET("/tokens/:token/balances/:account", s.getEncryptedBalance)
		v1.GET("/batches/:batchId", s.getBatch)

		v1.GET("/admin/integrity", s.verifyIntegrity)
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutCtx)
	case err := <-errChan:
		return err
	}
}

// observe records per-route request metrics.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.metrics == nil {
			c.Next()
			return
		}
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		s.metrics.QueryRequests.WithLabelValues(route, status).Inc()
		s.metrics.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		if c.Writer.Status() >= 500 {
			s.metrics.QueryErrors.WithLabelValues(route, status).Inc()
		}
	}
}

// --- Write handlers ---

// submitOp parses the request body as the given op type and queues it
// for the core. Responds 202: processing is asynchronous and the result
// is observable via queries and the outbound stream.
func (s *Server) submitOp(opType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("read body: %v", err)})
			return
		}

		parsed, err := ingestion.ParseRawOp(ingestion.RawOp{Data: body}, opType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		select {
		case s.opChan <- parsed:
			c.JSON(http.StatusAccepted, gin.H{
				"accepted":        true,
				"op_type":         opType,
				"idempotency_key": parsed.IdempotencyKey(),
			})
		case <-c.Request.Context().Done():
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
		}
	}
}

// submitFinalize lifts the pool ID from the URL into the payload shape
// the parser expects.
func (s *Server) submitFinalize(c *gin.Context) {
	poolID, err := pool.ParsePoolID(c.Param("poolId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("pool id: %v", err)})
		return
	}

	var req struct {
		RequestID string `json:"request_id"`
		Caller    string `json:"caller"`
		Sequence  int64  `json:"sequence"`
		Height    int64  `json:"height"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	body := fmt.Sprintf(
		`{"request_id":%q,"pool_id":%q,"caller":%q,"sequence":%d,"height":%d}`,
		req.RequestID, poolID.Hex(), req.Caller, req.Sequence, req.Height,
	)

	parsed, err := ingestion.ParseRawOp(ingestion.RawOp{Data: []byte(body)}, "BatchFinalize")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	select {
	case s.opChan <- parsed:
		c.JSON(http.StatusAccepted, gin.H{
			"accepted":        true,
			"op_type":         "BatchFinalize",
			"idempotency_key": parsed.IdempotencyKey(),
		})
	case <-c.Request.Context().Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
	}
}

// --- Read handlers ---

// getPoolToken returns the deterministic encrypted-token and custody
// addresses for (pool, asset). These are pure functions of the pool ID,
// so the handler needs no store access.
func (s *Server) getPoolToken(c *gin.Context) {
	poolID, err := pool.ParsePoolID(c.Param("poolId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("pool id: %v", err)})
		return
	}
	assetStr := c.Param("asset")
	if !common.IsHexAddress(assetStr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "asset is not a hex address"})
		return
	}
	asset := common.HexToAddress(assetStr)

	c.JSON(http.StatusOK, gin.H{
		"pool_id": poolID.Hex(),
		"asset":   asset.Hex(),
		"token":   pool.TokenAddress(poolID, asset).Hex(),
		"custody": pool.CustodyAddress(poolID).Hex(),
	})
}

func (s *Server) getReserves(c *gin.Context) {
	poolID, err := pool.ParsePoolID(c.Param("poolId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("pool id: %v", err)})
		return
	}

	resp, err := s.service.GetReserves(c.Request.Context(), poolID.Hex())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getSettlements(c *gin.Context) {
	poolID, err := pool.ParsePoolID(c.Param("poolId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("pool id: %v", err)})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"pool_id":     poolID.Hex(),
		"settlements": s.history.ByPool(poolID.Hex(), limit),
	})
}

func (s *Server) getEncryptedBalance(c *gin.Context) {
	tokenStr := c.Param("token")
	accountStr := c.Param("account")
	if !common.IsHexAddress(tokenStr) || !common.IsHexAddress(accountStr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token and account must be hex addresses"})
		return
	}

	resp, err := s.service.GetEncryptedBalance(
		c.Request.Context(),
		common.HexToAddress(tokenStr).Hex(),
		common.HexToAddress(accountStr).Hex(),
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getBatch(c *gin.Context) {
	resp, err := s.service.GetBatch(c.Request.Context(), c.Param("batchId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if resp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown batch"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) verifyIntegrity(c *gin.Context) {
	report, err := s.service.VerifyIntegrity(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}
