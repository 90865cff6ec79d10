package admin

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"cp2077coop/server/internal/auth"
	"cp2077coop/server/internal/journal"
	"cp2077coop/server/internal/logging"
)

const (
	feedWriteWait  = 5 * time.Second
	feedPingPeriod = 20 * time.Second
	feedBuffer     = 64
)

// Source streams journal entries.
type Source interface {
	Subscribe(buffer int) (<-chan journal.Entry, func())
}

// Feed serves the dashboard live feed: every journal entry is pushed as one
// JSON text frame to token-authenticated websocket clients.
type Feed struct {
	signer   *auth.Signer
	source   Source
	logger   *logging.Logger
	upgrader websocket.Upgrader
	ping     time.Duration
}

// NewFeed constructs the handler. A nil signer rejects every client.
func NewFeed(signer *auth.Signer, source Source, logger *logging.Logger) *Feed {
	if logger == nil {
		logger = logging.L()
	}
	return &Feed{
		signer: signer,
		source: source,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ping: feedPingPeriod,
	}
}

func bearer(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// ServeHTTP upgrades an authenticated request and streams entries until the
// client goes away.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.signer == nil || f.source == nil {
		http.Error(w, "dashboard disabled", http.StatusServiceUnavailable)
		return
	}
	claims, err := f.signer.Verify(bearer(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("dashboard upgrade failed", logging.Error(err))
		return
	}
	defer conn.Close()
	entries, cancel := f.source.Subscribe(feedBuffer)
	defer cancel()
	f.logger.Info("dashboard client attached", logging.String("subject", claims.Subject))

	//1.- Drain client frames so close and pong control frames are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(f.ping)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case entry, ok := <-entries:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(feedWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		}
	}
}
