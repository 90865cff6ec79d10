// Package admin implements operator moderation: the stdin console, in-game
// slash commands, the ban list, the persisted server state and the dashboard
// feed.
package admin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"cp2077coop/server/internal/connection"
	"cp2077coop/server/internal/logging"
)

// Usage lists the console verbs.
const Usage = "usage: kick <id> | ban <id> | mute <id> <mins> | unmute <id> | unban <name|host> | list | bans"

var pastTense = map[string]string{"kick": "kicked", "ban": "banned", "unmute": "unmuted"}

// ConsoleActor is the journal peer id of commands typed on stdin.
const ConsoleActor uint32 = 0

// KickReason is sent to kicked and banned peers.
const KickReason = "kicked"

var (
	ErrUnknownPeer = errors.New("admin: unknown peer")
	ErrBadArgument = errors.New("admin: bad argument")
)

// Target is the peer table moderated by the console.
type Target interface {
	PeerInfo(id uint32) (connection.PeerInfo, bool)
	Peers() []connection.PeerInfo
	SetMuteUntil(id uint32, ms uint64) bool
	Disconnect(peerID uint32, reason string)
}

// Journal records moderation actions.
type Journal interface {
	Log(peerID uint32, action string, entityID uint64, delta int64)
}

// ConsoleOption customises a Console.
type ConsoleOption func(*Console)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) ConsoleOption {
	return func(c *Console) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJournal records every applied command.
func WithJournal(j Journal) ConsoleOption {
	return func(c *Console) { c.journal = j }
}

// WithNowMs supplies the server millisecond clock that peers' mute deadlines
// are compared against.
func WithNowMs(now func() uint64) ConsoleOption {
	return func(c *Console) {
		if now != nil {
			c.nowMs = now
		}
	}
}

// Console applies moderation commands to the peer table.
type Console struct {
	target  Target
	bans    *BanList
	journal Journal
	logger  *logging.Logger
	nowMs   func() uint64
}

// NewConsole binds a console to target and bans.
func NewConsole(target Target, bans *BanList, opts ...ConsoleOption) *Console {
	if bans == nil {
		bans = NewBanList()
	}
	c := &Console{target: target, bans: bans, logger: logging.L(), nowMs: func() uint64 { return uint64(time.Now().UnixMilli()) }}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Bans exposes the ban list.
func (c *Console) Bans() *BanList { return c.bans }

func (c *Console) record(actor uint32, action string, peerID uint32, delta int64) {
	if c.journal != nil {
		c.journal.Log(actor, action, uint64(peerID), delta)
	}
	c.logger.Info("admin command applied", logging.String("action", action), logging.Uint32("actor", actor), logging.Uint32("peer_id", peerID))
}

// Kick disconnects a peer.
func (c *Console) Kick(actor, peerID uint32) error {
	if _, ok := c.target.PeerInfo(peerID); !ok {
		return ErrUnknownPeer
	}
	c.target.Disconnect(peerID, KickReason)
	c.record(actor, "kick", peerID, 0)
	return nil
}

// Ban records the peer's name and host, then kicks it.
func (c *Console) Ban(actor, peerID uint32) error {
	p, ok := c.target.PeerInfo(peerID)
	if !ok {
		return ErrUnknownPeer
	}
	c.bans.Add(Ban{Name: p.Name, Host: hostOf(p.Addr), Reason: KickReason, AtMs: c.nowMs()})
	c.target.Disconnect(peerID, KickReason)
	c.record(actor, "ban", peerID, 0)
	return nil
}

// Mute silences chat and voice for minutes.
func (c *Console) Mute(actor, peerID uint32, minutes int) error {
	if minutes <= 0 {
		return ErrBadArgument
	}
	if !c.target.SetMuteUntil(peerID, c.nowMs()+uint64(minutes)*60_000) {
		return ErrUnknownPeer
	}
	c.record(actor, "mute", peerID, int64(minutes))
	return nil
}

// Unmute lifts a mute.
func (c *Console) Unmute(actor, peerID uint32) error {
	if !c.target.SetMuteUntil(peerID, 0) {
		return ErrUnknownPeer
	}
	c.record(actor, "unmute", peerID, 0)
	return nil
}

// Execute runs one command line and returns the operator reply. A leading
// slash is accepted so in-game chat commands share the parser.
func (c *Console) Execute(actor uint32, line string) string {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if len(fields) == 0 {
		return Usage
	}
	verb := strings.ToLower(fields[0])
	args := fields[1:]
	switch verb {
	case "list":
		return c.list()
	case "bans":
		return c.listBans()
	case "unban":
		if len(args) != 1 {
			return Usage
		}
		if !c.bans.Remove(args[0]) {
			return "no ban matches " + args[0]
		}
		c.record(actor, "unban", 0, 0)
		return "unbanned " + args[0]
	case "kick", "ban", "unmute", "mute":
	default:
		return Usage
	}
	if len(args) < 1 || (verb == "mute") != (len(args) == 2) || len(args) > 2 {
		return Usage
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return Usage
	}
	peerID := uint32(id)
	switch verb {
	case "kick":
		err = c.Kick(actor, peerID)
	case "ban":
		err = c.Ban(actor, peerID)
	case "unmute":
		err = c.Unmute(actor, peerID)
	case "mute":
		mins, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			return Usage
		}
		err = c.Mute(actor, peerID, mins)
	}
	switch {
	case errors.Is(err, ErrUnknownPeer):
		return fmt.Sprintf("no peer %d", peerID)
	case errors.Is(err, ErrBadArgument):
		return Usage
	case err != nil:
		return err.Error()
	}
	if verb == "mute" {
		return fmt.Sprintf("muted %d for %s min", peerID, args[1])
	}
	return fmt.Sprintf("%s %d", pastTense[verb], peerID)
}

func (c *Console) list() string {
	peers := c.target.Peers()
	if len(peers) == 0 {
		return "no peers"
	}
	var b strings.Builder
	for i, p := range peers {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d %s %s phase=%d rtt=%.0fms", p.ID, p.Name, p.Addr, p.PhaseID, p.RTTMs)
	}
	return b.String()
}

func (c *Console) listBans() string {
	bans := c.bans.List()
	if len(bans) == 0 {
		return "no bans"
	}
	lines := make([]string, 0, len(bans))
	for _, b := range bans {
		lines = append(lines, fmt.Sprintf("%s %s", b.Name, b.Host))
	}
	return strings.Join(lines, "\n")
}

// Run reads commands from r until EOF or ctx ends, writing replies to w.
func (c *Console) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, err := fmt.Fprintln(w, c.Execute(ConsoleActor, line)); err != nil {
				return err
			}
		}
	}
}
