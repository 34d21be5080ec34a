package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dvr-uploader/dto"
	"dvr-uploader/pkg/ledger"
	"dvr-uploader/service"
)

// DeadLetters lists every dead-lettered recording from the ledger so nothing
// ever fails silently.
func DeadLetters(led *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries := led.DeadLetters()
		if entries == nil {
			entries = []ledger.Entry{}
		}
		c.JSON(http.StatusOK, gin.H{"dead_letters": entries})
	}
}

// Replay re-enqueues a dead-lettered recording by local path.
func Replay(p *service.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req dto.ReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.LocalPath == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "local_path is required"})
			return
		}
		if err := p.Replay(c.Request.Context(), req.LocalPath); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "replay scheduled", "local_path": req.LocalPath})
	}
}
