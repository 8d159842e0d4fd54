package http

import (
	"net/http"

	"voxhub/internal/core/domain"
	"voxhub/internal/core/ports"
	"voxhub/pkg/errors"
	"voxhub/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomHandler exposes the read-only room and stats API. All room mutation
// goes through the signaling channel; this surface exists for dashboards and
// operators.
type RoomHandler struct {
	sessions ports.SessionService
	presence ports.PresenceStore // nil disables the cluster view
}

func NewRoomHandler(sessions ports.SessionService, presence ports.PresenceStore) *RoomHandler {
	return &RoomHandler{
		sessions: sessions,
		presence: presence,
	}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
		api.GET("/stats", h.GetStats)
		api.GET("/stats/cluster", h.GetClusterStats)
	}
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	stats := h.sessions.Stats()
	c.JSON(http.StatusOK, gin.H{
		"rooms": stats.Details,
		"total": stats.Rooms,
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	caps, err := h.sessions.RoomCapabilities(domain.RoomID(roomID))
	if err != nil {
		c.Error(errors.NewNotFoundError("room"))
		return
	}

	peers := h.sessions.RoomPeers(domain.RoomID(roomID))
	producers := h.sessions.RoomProducers(domain.RoomID(roomID), "")

	c.JSON(http.StatusOK, gin.H{
		"id":              roomID,
		"peers":           peers,
		"producers":       producers,
		"rtpCapabilities": caps,
	})
}

func (h *RoomHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessions.Stats())
}

// GetClusterStats aggregates the stats snapshots every hub instance
// publishes to the presence store.
func (h *RoomHandler) GetClusterStats(c *gin.Context) {
	if h.presence == nil {
		c.Error(errors.NewServiceUnavailableError("cluster view is not configured"))
		return
	}

	instances, err := h.presence.ListInstances(c.Request.Context())
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "failed to read cluster state", http.StatusServiceUnavailable))
		return
	}

	total := domain.HubStats{}
	for _, instance := range instances {
		total.Workers += instance.Stats.Workers
		total.Rooms += instance.Stats.Rooms
		total.Peers += instance.Stats.Peers
	}

	c.JSON(http.StatusOK, gin.H{
		"instances": instances,
		"total":     total,
	})
}
