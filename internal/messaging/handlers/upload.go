package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/apierror"
	"github.com/agentmesh/agentmesh/internal/common/validate"
)

// maxUploadSize caps a single media upload.
const maxUploadSize = 10 << 20

// allowedUploadTypes is the MIME allow-list for channel media.
var allowedUploadTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/gif":       {},
	"image/webp":      {},
	"audio/mpeg":      {},
	"audio/wav":       {},
	"audio/ogg":       {},
	"video/mp4":       {},
	"video/webm":      {},
	"application/pdf": {},
	"text/plain":      {},
}

// uploadMedia stores a single multipart file under the channel's media
// directory. Filenames are sanitized and prefixed with a random id so clients
// cannot collide or traverse paths.
func (h *Handlers) uploadMedia(c *gin.Context) {
	channelID := c.Param("channelId")
	if !validate.IsValidChannelID(channelID) {
		apierror.Write(c, apierror.New(apierror.CodeInvalidChannelID, "channelId is not a valid identifier"))
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		apierror.Write(c, apierror.New(apierror.CodeMissingFields, "a single file field is required"))
		return
	}
	if file.Size > maxUploadSize {
		apierror.Write(c, apierror.New(apierror.CodeContentTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", maxUploadSize)))
		return
	}

	contentType := file.Header.Get("Content-Type")
	if _, allowed := allowedUploadTypes[contentType]; !allowed {
		apierror.Write(c, apierror.New(apierror.CodeInvalidContentType, "unsupported media type: "+contentType))
		return
	}

	cleanName := validate.SanitizeFilename(file.Filename)
	if cleanName == "" {
		cleanName = "upload"
	}
	storedName := fmt.Sprintf("%d-%s-%s", time.Now().UnixMilli(), uuid.New().String()[:8], cleanName)

	dir := filepath.Join(h.uploadDir, channelID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.logger.Error("failed to create upload directory", zap.String("dir", dir), zap.Error(err))
		apierror.Write(c, apierror.New(apierror.CodePersistenceError, "failed to store upload"))
		return
	}
	if err := c.SaveUploadedFile(file, filepath.Join(dir, storedName)); err != nil {
		h.logger.Error("failed to store upload", zap.String("channel_id", channelID), zap.Error(err))
		apierror.Write(c, apierror.New(apierror.CodePersistenceError, "failed to store upload"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"url":          "/media/uploads/channels/" + channelID + "/" + storedName,
			"type":         contentType,
			"filename":     storedName,
			"originalName": file.Filename,
			"size":         file.Size,
		},
	})
}
