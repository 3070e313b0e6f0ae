package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"bandburg/internal/eventbus"
)

const (
	eventBuffer  = 64
	pingInterval = 25 * time.Second
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEvents 把总线事件推送给 WebSocket 客户端。topic 为空时订阅全部主题。
// 客户端跟不上时丢弃事件，不阻塞发布者。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = eventbus.Wildcard
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events := make(chan eventbus.Event, eventBuffer)
	cancel := s.bridge.Subscribe(topic, func(ev eventbus.Event) {
		select {
		case events <- ev:
		default:
			s.log.Warn("事件推送队列已满，丢弃事件", slog.String("topic", ev.Topic))
		}
	})
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("事件推送失败", slog.Any("error", err))
				return
			}
		}
	}
}
