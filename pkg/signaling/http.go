package signaling

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/confmesh/confmesh/pkg/metrics"
	"github.com/confmesh/confmesh/pkg/turn"
)

// NewRouter assembles the HTTP surface: the websocket signaling endpoint,
// the TURN credential handout and the read-only monitoring facade.
func NewRouter(gw *Gateway, issuer *turn.Issuer, monitor *metrics.Monitor) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", gw.HandleWS)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.GET("/turn-credentials", func(c *gin.Context) {
			requester := c.Query("peer_id")
			if requester == "" {
				requester = uuid.New().String()
			}
			metrics.CredentialsIssuedTotal.Inc()
			c.JSON(http.StatusOK, issuer.Issue(requester))
		})

		mon := api.Group("/monitoring")
		{
			mon.GET("/metrics", func(c *gin.Context) {
				c.JSON(http.StatusOK, monitor.Snapshot())
			})
			mon.GET("/alerts", func(c *gin.Context) {
				c.JSON(http.StatusOK, monitor.Alerts())
			})
			mon.GET("/ws", func(c *gin.Context) {
				monitor.ServeWS(c.Writer, c.Request)
			})
		}
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
