package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/NotMugil/Inzx/config"
	"github.com/NotMugil/Inzx/core/downloads"
	"github.com/NotMugil/Inzx/core/playback"
	"github.com/NotMugil/Inzx/logger"
)

// Server 播放控制面：REST命令 + WebSocket状态推送
type Server struct {
	controller *playback.Controller
	downloads  *downloads.Manager
	httpServer *http.Server
}

// New 创建控制面服务
func New(cfg *config.Config, controller *playback.Controller, dm *downloads.Manager) *Server {
	s := &Server{
		controller: controller,
		downloads:  dm,
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/play", s.handlePlay).Methods(http.MethodPost)
	api.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	api.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/next", s.handleNext).Methods(http.MethodPost)
	api.HandleFunc("/previous", s.handlePrevious).Methods(http.MethodPost)
	api.HandleFunc("/seek", s.handleSeek).Methods(http.MethodPost)
	api.HandleFunc("/queue", s.handlePlayQueue).Methods(http.MethodPost)
	api.HandleFunc("/queue/add", s.handleAddToQueue).Methods(http.MethodPost)
	api.HandleFunc("/queue/next", s.handlePlayNext).Methods(http.MethodPost)
	api.HandleFunc("/queue/remove", s.handleRemove).Methods(http.MethodPost)
	api.HandleFunc("/queue/reorder", s.handleReorder).Methods(http.MethodPost)
	api.HandleFunc("/queue/skip", s.handleSkipTo).Methods(http.MethodPost)
	api.HandleFunc("/queue/clear", s.handleClearQueue).Methods(http.MethodPost)
	api.HandleFunc("/shuffle", s.handleShuffle).Methods(http.MethodPost)
	api.HandleFunc("/loop", s.handleLoop).Methods(http.MethodPost)
	api.HandleFunc("/speed", s.handleSpeed).Methods(http.MethodPost)
	api.HandleFunc("/quality", s.handleQuality).Methods(http.MethodPost)
	api.HandleFunc("/jams", s.handleJams).Methods(http.MethodPost)
	api.HandleFunc("/downloads", s.handleListDownloads).Methods(http.MethodGet)
	api.HandleFunc("/downloads", s.handleEnqueueDownload).Methods(http.MethodPost)
	api.HandleFunc("/downloads/{id}/cancel", s.handleCancelDownload).Methods(http.MethodPost)

	r.HandleFunc("/ws/state", s.handleWSState)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket长连接
	}

	return s
}

// Start 启动HTTP服务（阻塞）
func (s *Server) Start() error {
	logger.Info("控制面服务启动", logger.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
