package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// adminServer is the loopback operator surface: health, status, metrics,
// and the operator verbs (acknowledge, resolve, unlock, approve,
// rollback). It is not an authentication boundary; deployments bind it
// to loopback or put it behind one.
type adminServer struct {
	monitor *Monitor
	srv     *http.Server
	logger  *logrus.Logger
}

func newAdminServer(addr string, m *Monitor, logger *logrus.Logger) *adminServer {
	a := &adminServer{monitor: m, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", a.handleHealth)
	router.GET("/status", a.handleStatus)
	router.GET("/metrics", gin.WrapH(m.collector.Handler()))

	router.GET("/alerts", a.handleAlerts)
	router.POST("/alerts/:id/ack", a.handleAlertAck)
	router.POST("/alerts/:id/resolve", a.handleAlertResolve)

	router.GET("/lockdowns", a.handleLockdowns)
	router.POST("/lockdowns/:id/unlock", a.handleUnlock)

	router.GET("/updates", a.handleUpdates)
	router.POST("/updates/:id/approve", a.handleUpdateApprove)
	router.POST("/updates/:id/reject", a.handleUpdateReject)

	router.POST("/actions/:id/rollback", a.handleRollback)
	router.GET("/audit/verify", a.handleAuditVerify)

	a.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return a
}

func (a *adminServer) start() {
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("Admin server failed")
		}
	}()
}

func (a *adminServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("Admin server shutdown failed")
	}
}

func (a *adminServer) handleHealth(c *gin.Context) {
	st := a.monitor.Status()
	c.JSON(http.StatusOK, gin.H{"status": st.State})
}

func (a *adminServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, a.monitor.Status())
}

func (a *adminServer) handleAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": a.monitor.alerts.ActiveAlerts()})
}

// operatorBody carries the acting operator for audit attribution.
type operatorBody struct {
	Operator string `json:"operator"`
	Code     string `json:"code"`
}

func (a *adminServer) handleAlertAck(c *gin.Context) {
	var body operatorBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Operator == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator required"})
		return
	}
	if err := a.monitor.alerts.Acknowledge(c.Param("id"), body.Operator); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": c.Param("id")})
}

func (a *adminServer) handleAlertResolve(c *gin.Context) {
	var body operatorBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Operator == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator required"})
		return
	}
	if err := a.monitor.alerts.Resolve(c.Param("id"), body.Operator); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": c.Param("id")})
}

func (a *adminServer) handleLockdowns(c *gin.Context) {
	snap := a.monitor.protector.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"level":     snap.Level,
		"lockdowns": snap.ActiveLockdowns,
		"threats":   snap.PersistentThreats,
	})
}

// handleUnlock releases a lockdown either through the operator path
// (conditions must hold) or with an emergency unlock code.
func (a *adminServer) handleUnlock(c *gin.Context) {
	var body operatorBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body required"})
		return
	}
	id := c.Param("id")
	var err error
	switch {
	case body.Code != "":
		err = a.monitor.protector.UnlockWithCode(c.Request.Context(), id, body.Code)
	case body.Operator != "":
		err = a.monitor.protector.Unlock(c.Request.Context(), id, body.Operator)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator or code required"})
		return
	}
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unlocked": id})
}

func (a *adminServer) handleUpdates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": a.monitor.correlator.PendingUpdates()})
}

func (a *adminServer) handleUpdateApprove(c *gin.Context) {
	if err := a.monitor.correlator.Approve(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": c.Param("id")})
}

func (a *adminServer) handleUpdateReject(c *gin.Context) {
	if err := a.monitor.correlator.Reject(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejected": c.Param("id")})
}

func (a *adminServer) handleRollback(c *gin.Context) {
	action, err := a.monitor.responder.RollbackAction(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, action)
}

// handleAuditVerify re-verifies the primary audit chain on demand.
func (a *adminServer) handleAuditVerify(c *gin.Context) {
	result, err := a.monitor.chain.VerifyChain()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusConflict
	}
	c.JSON(status, result)
}
