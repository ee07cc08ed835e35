package observability

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the current snapshot as JSON.
func Handler(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, metrics.Snapshot())
	}
}
