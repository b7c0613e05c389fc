package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"mixdeck/core/playback"
	"mixdeck/logger"
	"mixdeck/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIHandler 处理所有API请求，作用于同一个协调器
type APIHandler struct {
	coord    *playback.Coordinator
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewAPIHandler 创建新的API处理器
func NewAPIHandler(coord *playback.Coordinator, hub *Hub) *APIHandler {
	return &APIHandler{
		coord: coord,
		hub:   hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// LoadRequest 加载请求
type LoadRequest struct {
	Tracks []model.TrackDescriptor `json:"tracks"`
}

// LoadResponse 加载结果
type LoadResponse struct {
	Loaded   []string            `json:"loaded"`
	Failures []model.LoadFailure `json:"failures"`
	Snapshot model.Snapshot      `json:"snapshot"`
}

// TransportResponse 时间轴状态
type TransportResponse struct {
	State model.PlaybackState `json:"state"`
	model.TransportState
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encode response failed", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// commandStatus 把协调器错误映射为 HTTP 状态码
func commandStatus(err error) int {
	switch {
	case errors.Is(err, playback.ErrUnknownTrack):
		return http.StatusNotFound
	case errors.Is(err, playback.ErrInvalidTime), errors.Is(err, playback.ErrInvalidGain):
		return http.StatusBadRequest
	case errors.Is(err, playback.ErrDestroyed):
		return http.StatusGone
	case errors.Is(err, playback.ErrNoTracksLoaded), errors.Is(err, playback.ErrLoadSuperseded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandler) transport() TransportResponse {
	return TransportResponse{State: h.coord.State(), TransportState: h.coord.Transport()}
}

// LoadHandler 加载一组音轨
func (h *APIHandler) LoadHandler(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Tracks) == 0 {
		writeError(w, http.StatusBadRequest, "no tracks given")
		return
	}

	res, err := h.coord.Load(r.Context(), req.Tracks)
	resp := LoadResponse{Failures: h.coord.Failures(), Snapshot: h.coord.Snapshot()}
	if res != nil {
		resp.Loaded = res.Order
	}
	if err != nil {
		writeJSON(w, commandStatus(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SnapshotHandler 完整快照
func (h *APIHandler) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Snapshot())
}

// TransportHandler 当前时间轴状态
func (h *APIHandler) TransportHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.transport())
}

// CommandHandler play / pause / stop / toggle
func (h *APIHandler) CommandHandler(w http.ResponseWriter, r *http.Request) {
	var err error
	switch mux.Vars(r)["command"] {
	case "play":
		err = h.coord.Play()
	case "pause":
		err = h.coord.Pause()
	case "stop":
		err = h.coord.Stop()
	case "toggle":
		err = h.coord.TogglePlay()
	default:
		writeError(w, http.StatusNotFound, "unknown command")
		return
	}
	if err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.transport())
}

// SeekHandler 跳转
func (h *APIHandler) SeekHandler(w http.ResponseWriter, r *http.Request) {
	var req SeekData
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Time == nil {
		writeError(w, http.StatusBadRequest, "time is required")
		return
	}
	if err := h.coord.SeekTo(*req.Time); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.transport())
}

// TracksHandler 音轨列表
func (h *APIHandler) TracksHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Tracks())
}

// ToggleTrackHandler 启用或禁用音轨
func (h *APIHandler) ToggleTrackHandler(w http.ResponseWriter, r *http.Request) {
	var req TrackData
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := h.coord.ToggleTrack(mux.Vars(r)["id"], *req.Enabled); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.coord.Tracks())
}

// VolumeHandler 设置音量
func (h *APIHandler) VolumeHandler(w http.ResponseWriter, r *http.Request) {
	var req TrackData
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Gain == nil {
		writeError(w, http.StatusBadRequest, "gain is required")
		return
	}
	if err := h.coord.SetTrackVolume(mux.Vars(r)["id"], *req.Gain); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.coord.Tracks())
}

func (h *APIHandler) knownTrack(id string) bool {
	for _, t := range h.coord.Tracks() {
		if t.ID == id {
			return true
		}
	}
	return false
}

func queryFloat(r *http.Request, key string) (float64, bool, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, true, err
}

// NotesHandler 音符。?at= 返回该时刻发声的音符，?from=&to= 返回可见区间，否则返回全部
func (h *APIHandler) NotesHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.knownTrack(id) {
		writeError(w, http.StatusNotFound, playback.ErrUnknownTrack.Error())
		return
	}
	provider := h.coord.Notes()

	at, hasAt, err := queryFloat(r, "at")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid at")
		return
	}
	from, hasFrom, err1 := queryFloat(r, "from")
	to, hasTo, err2 := queryFloat(r, "to")
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "invalid window")
		return
	}

	var out []model.NoteEvent
	switch {
	case hasAt:
		out = provider.ActiveNotes(id, at)
	case hasFrom && hasTo:
		out = provider.WindowNotes(id, from, to)
	default:
		out = provider.TrackNotes(id)
	}
	if out == nil {
		out = []model.NoteEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trackId": id,
		"stats":   provider.Stats(id),
		"notes":   out,
	})
}

// PitchBoundsHandler 所有音轨的音高范围
func (h *APIHandler) PitchBoundsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Notes().PitchBounds())
}

func queryInt(r *http.Request, key string, fallback, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return fallback
	}
	if v > max {
		return max
	}
	return v
}

// WaveformHandler 波形包络
func (h *APIHandler) WaveformHandler(w http.ResponseWriter, r *http.Request) {
	points := queryInt(r, "points", 512, 8192)
	data, err := h.coord.Waveform(mux.Vars(r)["id"], points)
	if err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"points": points, "rms": data})
}

// SpectrumHandler 当前时间的频谱
func (h *APIHandler) SpectrumHandler(w http.ResponseWriter, r *http.Request) {
	size := queryInt(r, "size", 1024, 16384)
	data, err := h.coord.Spectrum(mux.Vars(r)["id"], size)
	if err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"time": h.coord.CurrentTime(), "magnitudes": data})
}

// DiagnosticsHandler 最近一次加载的失败列表
func (h *APIHandler) DiagnosticsHandler(w http.ResponseWriter, r *http.Request) {
	failures := h.coord.Failures()
	if failures == nil {
		failures = []model.LoadFailure{}
	}
	writeJSON(w, http.StatusOK, failures)
}

// WebSocketHandler 推送协调器事件，并接受控制命令
func (h *APIHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}

	client := NewClient(h.hub, conn)
	h.hub.Register(client)
	client.SendMessage(MsgTypeSync, h.coord.Snapshot())

	go client.WritePump()
	go client.ReadPump(context.Background(), h.handleMessage)
}

// handleMessage 在读协程中执行命令，不在协调器回调里
func (h *APIHandler) handleMessage(ctx context.Context, client *Client, msg *WSMessage) {
	if err := h.dispatch(msg); err != nil {
		logger.Debug("websocket command rejected",
			logger.String("client", client.ID),
			logger.String("type", string(msg.Type)),
			logger.ErrorField(err))
		client.SendMessage(MsgTypeError, map[string]string{"error": err.Error()})
	}
}

// dispatch 执行一条命令。严格模式下协调器对错误调用 panic，
// 读协程没有 net/http 的 recover，这里转成错误帧，进程不退出。
func (h *APIHandler) dispatch(msg *WSMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	switch msg.Type {
	case MsgTypePlay:
		err = h.coord.Play()
	case MsgTypePause:
		err = h.coord.Pause()
	case MsgTypeStop:
		err = h.coord.Stop()
	case MsgTypeTogglePlay:
		err = h.coord.TogglePlay()
	case MsgTypeSeek:
		var d SeekData
		if json.Unmarshal(msg.Data, &d) != nil || d.Time == nil {
			err = errors.New("seek requires time")
			break
		}
		err = h.coord.SeekTo(*d.Time)
	case MsgTypeToggleTrack:
		var d TrackData
		if json.Unmarshal(msg.Data, &d) != nil || d.Enabled == nil {
			err = errors.New("toggle_track requires trackId and enabled")
			break
		}
		err = h.coord.ToggleTrack(d.TrackID, *d.Enabled)
	case MsgTypeVolume:
		var d TrackData
		if json.Unmarshal(msg.Data, &d) != nil || d.Gain == nil {
			err = errors.New("volume requires trackId and gain")
			break
		}
		err = h.coord.SetTrackVolume(d.TrackID, *d.Gain)
	default:
		err = errors.New("unknown message type " + string(msg.Type))
	}
	return err
}
