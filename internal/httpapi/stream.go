package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/reqguard/internal/model"
)

const (
	streamWriteWait = 10 * time.Second
	streamReadLimit = 4 << 10
	streamBuffer    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to loopback by default; the extension page has its own origin.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleLogStream pushes every blocked request logged after the upgrade as
// one JSON text frame.
func (s *server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.opt.BlockLog == nil {
		writeErrorFromErr(w, notFoundError("未配置拦截日志"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.opt.Log.WithError(err).Debug("log stream upgrade failed")
		return
	}

	entries, cancel := s.opt.BlockLog.Subscribe(streamBuffer)
	log := s.opt.Log.WithFields(logrus.Fields{"conn": uuid.NewString(), "remote": r.RemoteAddr})
	log.Debug("log stream opened")

	done := make(chan struct{})
	go s.streamReadPump(conn, done)
	s.streamWritePump(conn, entries, done, log)

	cancel()
	_ = conn.Close()
	log.Debug("log stream closed")
}

// streamReadPump discards client frames and closes done when the peer goes
// away or stops answering pings.
func (s *server) streamReadPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(s.opt.PingInterval * 2))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opt.PingInterval * 2))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *server) streamWritePump(conn *websocket.Conn, entries <-chan model.BlockedRequest, done <-chan struct{}, log logrus.FieldLogger) {
	ticker := time.NewTicker(s.opt.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-entries:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				log.WithError(err).Debug("log stream write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).Debug("log stream ping failed")
				return
			}
		case <-done:
			return
		}
	}
}
