package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/reflectapp/insightd/internal/queue"
	"github.com/reflectapp/insightd/pkg/response"
	"gorm.io/gorm"
)

// HealthHandler reports service and store health.
type HealthHandler struct {
	db    *gorm.DB
	queue *queue.Queue
}

func NewHealthHandler(db *gorm.DB, q *queue.Queue) *HealthHandler {
	return &HealthHandler{db: db, queue: q}
}

// Health handles GET /health. The store ping failing turns the response into
// a 500 so load balancers stop routing here.
func (h *HealthHandler) Health(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		response.ServerError(c, "database unreachable")
		return
	}

	pending, err := h.queue.PendingCount(c.Request.Context())
	if err != nil {
		response.ServerError(c, "queue unreachable")
		return
	}

	response.Success(c, gin.H{
		"status":       "ok",
		"pending_jobs": pending,
	})
}
