package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/NotMugil/Inzx/model"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.State())
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	// body 为空表示恢复播放；携带 track 表示播放单曲
	var req struct {
		Track *model.Track `json:"track"`
		Radio bool         `json:"radio"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Track != nil {
		s.controller.PlayTrack(*req.Track, req.Radio)
		writeOK(w)
		return
	}
	s.controller.Play()
	writeOK(w)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.controller.Pause()
	writeOK(w)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.controller.Stop()
	writeOK(w)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	s.controller.SkipToNext()
	writeOK(w)
}

func (s *Server) handlePrevious(w http.ResponseWriter, r *http.Request) {
	s.controller.SkipToPrevious()
	writeOK(w)
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PositionMs *int64 `json:"positionMs"`
		DeltaMs    *int64 `json:"deltaMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch {
	case req.PositionMs != nil:
		s.controller.Seek(time.Duration(*req.PositionMs) * time.Millisecond)
	case req.DeltaMs != nil:
		s.controller.SeekBy(time.Duration(*req.DeltaMs) * time.Millisecond)
	default:
		writeError(w, http.StatusBadRequest, "positionMs or deltaMs required")
		return
	}
	writeOK(w)
}

func (s *Server) handlePlayQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tracks       []model.Track `json:"tracks"`
		StartIndex   int           `json:"startIndex"`
		SourceID     string        `json:"sourceId"`
		IsRadioQueue bool          `json:"isRadioQueue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Tracks) == 0 {
		writeError(w, http.StatusBadRequest, "tracks required")
		return
	}
	s.controller.PlayQueue(req.Tracks, req.StartIndex, req.SourceID, req.IsRadioQueue)
	writeOK(w)
}

func (s *Server) handleAddToQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tracks []model.Track `json:"tracks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Tracks) == 0 {
		writeError(w, http.StatusBadRequest, "tracks required")
		return
	}
	s.controller.AddToQueue(req.Tracks...)
	writeOK(w)
}

func (s *Server) handlePlayNext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Track *model.Track `json:"track"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Track == nil {
		writeError(w, http.StatusBadRequest, "track required")
		return
	}
	s.controller.PlayNext(*req.Track)
	writeOK(w)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.controller.RemoveFromQueue(req.Index)
	writeOK(w)
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldIndex int `json:"oldIndex"`
		NewIndex int `json:"newIndex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.controller.ReorderQueue(req.OldIndex, req.NewIndex)
	writeOK(w)
}

func (s *Server) handleSkipTo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.controller.SkipToIndex(req.Index)
	writeOK(w)
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	s.controller.ClearQueue()
	writeOK(w)
}

func (s *Server) handleShuffle(w http.ResponseWriter, r *http.Request) {
	s.controller.ToggleShuffle()
	writeOK(w)
}

func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"` // off / all / one
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Mode {
	case "all":
		s.controller.SetLoopMode(model.LoopAll)
	case "one":
		s.controller.SetLoopMode(model.LoopOne)
	default:
		s.controller.SetLoopMode(model.LoopOff)
	}
	writeOK(w)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Speed float64 `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Speed <= 0 {
		writeError(w, http.StatusBadRequest, "speed must be positive")
		return
	}
	s.controller.SetSpeed(req.Speed)
	writeOK(w)
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quality string `json:"quality"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.controller.SetAudioQuality(model.ParseAudioQuality(req.Quality))
	writeOK(w)
}

func (s *Server) handleJams(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.controller.SetJamsMode(req.Enabled)
	writeOK(w)
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	if s.downloads == nil {
		writeJSON(w, http.StatusOK, []model.DownloadTask{})
		return
	}
	writeJSON(w, http.StatusOK, s.downloads.Tasks())
}

func (s *Server) handleEnqueueDownload(w http.ResponseWriter, r *http.Request) {
	if s.downloads == nil {
		writeError(w, http.StatusServiceUnavailable, "downloads disabled")
		return
	}
	var req struct {
		Track *model.Track `json:"track"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Track == nil {
		writeError(w, http.StatusBadRequest, "track required")
		return
	}
	task, err := s.downloads.Enqueue(*req.Track)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	if s.downloads == nil {
		writeError(w, http.StatusServiceUnavailable, "downloads disabled")
		return
	}
	s.downloads.Cancel(mux.Vars(r)["id"])
	writeOK(w)
}
