package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/utxostack/rgbpp-paymaster/internal/config"
	"github.com/utxostack/rgbpp-paymaster/internal/paymaster"
	"github.com/utxostack/rgbpp-paymaster/internal/settlement"
	"github.com/utxostack/rgbpp-paymaster/internal/types"
)

// HTTPServer is the thin accept boundary. Settlement outcomes are
// asynchronous; submitters only ever see the 202 acknowledgment.
type HTTPServer struct {
	settlement *settlement.Service
	paymaster  *paymaster.Paymaster
}

func NewHTTPServer(settlementService *settlement.Service, pm *paymaster.Paymaster) *HTTPServer {
	return &HTTPServer{
		settlement: settlementService,
		paymaster:  pm,
	}
}

func (hs *HTTPServer) Start(ctx context.Context) {
	r := gin.Default()

	r.GET("/healthz", hs.handleHealthz)
	r.GET("/paymaster/v1/info", hs.handlePaymasterInfo)
	r.POST("/paymaster/v1/settlement", hs.handleSubmitSettlement)

	srv := &http.Server{
		Addr:    ":" + config.AppConfig.HTTPPort,
		Handler: r,
	}

	go func() {
		log.Infof("HTTP server is running on port %s", config.AppConfig.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP server shutdown error: %v", err)
	}
	log.Info("HTTP server stopped")
}

func (hs *HTTPServer) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (hs *HTTPServer) handlePaymasterInfo(c *gin.Context) {
	info, err := hs.paymaster.Info(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

type submitSettlementRequest struct {
	Token string             `json:"token" binding:"required"`
	RawTx *types.Transaction `json:"rawTx" binding:"required"`
}

func (hs *HTTPServer) handleSubmitSettlement(c *gin.Context) {
	var req submitSettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := hs.settlement.Enqueue(c.Request.Context(), req.Token, req.RawTx); err != nil {
		if types.IsValidationError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "token": req.Token})
}
