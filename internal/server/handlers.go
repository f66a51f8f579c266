package server

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/shepherd-project/mediadl/internal/api"
	"github.com/shepherd-project/mediadl/internal/download"
	"github.com/shepherd-project/mediadl/internal/notify"
	"github.com/shepherd-project/mediadl/internal/types"
	"github.com/shepherd-project/mediadl/internal/version"
	"github.com/shepherd-project/mediadl/internal/websocket"
)

// CreateDownloadRequest is the body of POST /api/downloads
type CreateDownloadRequest struct {
	URL      string            `json:"url" binding:"required"`
	FileName string            `json:"fileName" binding:"required"`
	FileType string            `json:"fileType" binding:"required"`
	Title    string            `json:"title"`
	Headers  map[string]string `json:"headers"`
}

// CreateDownloadResponse is returned by POST /api/downloads
type CreateDownloadResponse struct {
	JobID             int64  `json:"jobId"`
	FileName          string `json:"fileName"`
	AlreadyDownloaded bool   `json:"alreadyDownloaded"`
	Existing          bool   `json:"existing"`
}

// ActionRequest is the body of POST /api/notifications/actions
type ActionRequest struct {
	ActionID string `json:"actionId" binding:"required"`
}

func (s *Server) handleVersion(c *gin.Context) {
	api.Success(c, version.GetVersionInfo())
}

func (s *Server) handleListDownloads(c *gin.Context) {
	api.Success(c, s.downloads.List())
}

func (s *Server) handleGetDownload(c *gin.Context) {
	snap, err := s.downloads.Get(c.Param("fileName"))
	if err != nil {
		s.downloadError(c, err)
		return
	}
	api.Success(c, snap)
}

func (s *Server) handleCreateDownload(c *gin.Context) {
	var req CreateDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.ValidationError(c, err)
		return
	}

	res, err := s.downloads.RequestDownload(c.Request.Context(), download.Request{
		URL:       req.URL,
		FileName:  req.FileName,
		FileType:  req.FileType,
		Title:     req.Title,
		Headers:   req.Headers,
		Callbacks: s.broadcastCallbacks(req.FileName),
	})
	if err != nil {
		s.downloadError(c, err)
		return
	}

	body := CreateDownloadResponse{
		JobID:             res.JobID,
		FileName:          req.FileName,
		AlreadyDownloaded: res.AlreadyDownloaded,
		Existing:          res.Existing,
	}
	if res.AlreadyDownloaded || res.Existing {
		api.Success(c, body)
		return
	}
	api.Created(c, body)
}

func (s *Server) handleNotificationAction(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.ValidationError(c, err)
		return
	}

	if err := s.gateway.Press(req.ActionID); err != nil {
		if errors.Is(err, notify.ErrUnknownAction) {
			api.Error(c, types.ErrInvalidRequest, "unknown action: "+req.ActionID)
			return
		}
		api.Error(c, types.ErrResourceExhausted, err.Error())
		return
	}
	api.Accepted(c, "action queued")
}

func (s *Server) handleListNotifications(c *gin.Context) {
	api.Success(c, s.gateway.Displayed())
}

// broadcastCallbacks forwards the UI callbacks of a request to WebSocket clients
func (s *Server) broadcastCallbacks(fileName string) download.Callbacks {
	return download.Callbacks{
		OnActiveChanged: func(active bool) {
			s.hub.Broadcast(websocket.NewDownloadActiveEvent(fileName, active))
		},
		OnAlreadyDownloaded: func(done bool) {
			s.hub.Broadcast(websocket.NewAlreadyDownloadedEvent(fileName, done))
		},
		OnJobIDAssigned: func(jobID int64) {
			s.hub.Broadcast(websocket.NewJobIDEvent(fileName, jobID))
		},
	}
}

// downloadError maps download errors to API error codes
func (s *Server) downloadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, download.ErrTaskNotFound):
		api.NotFound(c, "download task")
	case errors.Is(err, download.ErrInvalidRequest):
		api.ValidationError(c, err)
	case errors.Is(err, download.ErrPermissionDenied):
		api.Forbidden(c, err.Error())
	case errors.Is(err, download.ErrEngineStart):
		api.ErrorWithDetails(c, types.ErrTransferFailed, "Failed to start transfer", err.Error())
	default:
		api.InternalError(c, err)
	}
}
