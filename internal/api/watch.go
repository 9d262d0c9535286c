package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/oriys/triage/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// RunSubscriber 按运行订阅状态迁移事件，由 events.Broadcaster 实现
type RunSubscriber interface {
	Subscribe(runID string) (<-chan domain.RunEvent, func())
}

// WatchMessage websocket 推送的消息
type WatchMessage struct {
	// Type snapshot 为连接建立时的当前状态，event 为后续迁移
	Type  string             `json:"type"`
	Run   *domain.RunContext `json:"run,omitempty"`
	Event *domain.RunEvent   `json:"event,omitempty"`
}

// WatchHandler 运行状态实时推送
type WatchHandler struct {
	engine   Engine
	events   RunSubscriber
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewWatchHandler 创建推送处理器
func NewWatchHandler(engine Engine, events RunSubscriber, logger *logrus.Logger) *WatchHandler {
	return &WatchHandler{
		engine: engine,
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// Watch 推送运行的当前快照与后续状态迁移，运行进入终态后关闭连接。
// HTTP端点: GET /api/v1/runs/{id}/watch
func (h *WatchHandler) Watch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// 先订阅再读取快照，避免漏掉两者之间的迁移
	events, cancel := h.events.Subscribe(id)
	defer cancel()

	run, err := h.engine.GetRun(r.Context(), id)
	if err != nil {
		writeErrorWithContext(w, r, statusForError(err), err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).WithField("run_id", id).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	log := h.logger.WithField("run_id", id)
	log.Debug("Watch stream opened")

	if err := h.send(conn, WatchMessage{Type: "snapshot", Run: run}); err != nil || run.IsTerminal() {
		h.close(conn)
		return
	}

	// 读循环只处理控制帧，客户端断开时通知写循环退出
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Debug("WebSocket read error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := h.send(conn, WatchMessage{Type: "event", Event: &evt}); err != nil {
				return
			}
			if evt.To.IsTerminal() {
				h.close(conn)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *WatchHandler) send(conn *websocket.Conn, msg WatchMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (h *WatchHandler) close(conn *websocket.Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
		time.Now().Add(writeWait))
}
