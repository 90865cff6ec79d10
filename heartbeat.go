package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"cp2077coop/server/internal/logging"
	"cp2077coop/server/internal/nat"
)

const (
	heartbeatPath  = "/api/heartbeat"
	announcePath   = "/announce"
	disconnectPath = "/api/disconnect"

	heartbeatMinBackoff = time.Second
	heartbeatMaxBackoff = 32 * time.Second
	heartbeatTimeout    = 10 * time.Second
	heartbeatBodyLimit  = 64 << 10
)

var errHeartbeatStatus = errors.New("heartbeat: master rejected announce")

// sessionAnnounce is the body posted to the master list.
type sessionAnnounce struct {
	ID       string `json:"id"`
	Cur      int    `json:"cur"`
	Max      int    `json:"max"`
	Password bool   `json:"password"`
	Mode     string `json:"mode"`
}

type heartbeatReply struct {
	OK   bool   `json:"ok"`
	URL  string `json:"url"`
	User string `json:"u"`
	Pass string `json:"p"`
}

// heartbeat keeps the server listed on the master and installs the relay
// credentials the master hands back.
type heartbeat struct {
	base     string
	interval time.Duration
	client   *http.Client
	session  func() sessionAnnounce
	onTurn   func(nat.TurnCredentials)
	logger   *logging.Logger
	backoff  time.Duration
}

func newHeartbeat(masterURL string, interval time.Duration, session func() sessionAnnounce, onTurn func(nat.TurnCredentials), logger *logging.Logger) *heartbeat {
	if logger == nil {
		logger = logging.L()
	}
	return &heartbeat{
		base:     strings.TrimRight(strings.TrimSpace(masterURL), "/"),
		interval: interval,
		client:   &http.Client{Timeout: heartbeatTimeout},
		session:  session,
		onTurn:   onTurn,
		logger:   logger.Named("heartbeat"),
		backoff:  heartbeatMinBackoff,
	}
}

// Run announces once, then sends a heartbeat every interval until ctx ends.
// Failures retry with a doubling backoff capped at 32 seconds.
func (h *heartbeat) Run(ctx context.Context) {
	if h == nil || h.base == "" {
		return
	}
	if err := h.post(ctx, announcePath, h.session(), nil); err != nil {
		h.logger.Warn("announce failed", logging.Error(err))
	}
	wait := time.Duration(0)
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := h.Send(ctx); err != nil {
			wait = h.backoff
			h.logger.Warn("heartbeat failed", logging.Error(err), logging.Duration("retry_in", wait))
			if h.backoff < heartbeatMaxBackoff {
				h.backoff *= 2
			}
			continue
		}
		h.backoff = heartbeatMinBackoff
		wait = h.interval
	}
}

// Send posts one heartbeat and applies the relay credentials in the reply.
func (h *heartbeat) Send(ctx context.Context) error {
	var reply heartbeatReply
	if err := h.post(ctx, heartbeatPath, h.session(), &reply); err != nil {
		return err
	}
	if !reply.OK || reply.URL == "" {
		return nil
	}
	turn, err := parseTurnURL(reply.URL)
	if err != nil {
		h.logger.Warn("ignoring relay credentials", logging.String("url", reply.URL), logging.Error(err))
		return nil
	}
	turn.User, turn.Pass = reply.User, reply.Pass
	if h.onTurn != nil {
		h.onTurn(turn)
	}
	h.logger.Info("relay credentials updated", logging.String("host", turn.Host), logging.Int("port", turn.Port))
	return nil
}

// Disconnect tells the master the session is gone.
func (h *heartbeat) Disconnect(ctx context.Context) error {
	if h == nil || h.base == "" {
		return nil
	}
	return h.post(ctx, disconnectPath, map[string]string{"id": h.session().ID}, nil)
}

func (h *heartbeat) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", errHeartbeatStatus, resp.Status)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, heartbeatBodyLimit))
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, heartbeatBodyLimit)).Decode(out)
}

// parseTurnURL reads "turn:host:port".
func parseTurnURL(raw string) (nat.TurnCredentials, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), "turn:")
	if !ok {
		return nat.TurnCredentials{}, fmt.Errorf("unsupported scheme in %q", raw)
	}
	host, portText, err := net.SplitHostPort(rest)
	if err != nil {
		return nat.TurnCredentials{}, err
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return nat.TurnCredentials{}, fmt.Errorf("invalid port %q", portText)
	}
	return nat.TurnCredentials{Host: host, Port: port, AllocationID: uuid.New()}, nil
}
