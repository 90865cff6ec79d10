package gameplay

import (
	"sort"
	"sync"

	"cp2077coop/server/internal/protocol"
)

// CamFrameMs spaces CamFrameStart broadcasts for hijacked cameras.
const CamFrameMs = 500

// Audience lists connected peers and their bandwidth mode.
type Audience interface {
	Peers() []uint32
	LowBandwidth(peerID uint32) bool
}

type hijack struct {
	peerID uint32
	frame  interval
}

// Cameras tracks hijacked security cameras and smart-weapon projectile cams.
type Cameras struct {
	base
	mu       sync.Mutex
	audience Audience
	cams     map[uint32]*hijack
	smart    map[uint32]struct{}
}

// NewCameras constructs the camera controller.
func NewCameras(out Outbox, audience Audience, opts ...Option) *Cameras {
	return &Cameras{
		base:     newBase(out, "cameras", opts),
		audience: audience,
		cams:     make(map[uint32]*hijack),
		smart:    make(map[uint32]struct{}),
	}
}

// Hijack hands camID to peerID.
func (c *Cameras) Hijack(camID, peerID uint32) error {
	c.mu.Lock()
	if cur, ok := c.cams[camID]; ok && cur.peerID != peerID {
		c.mu.Unlock()
		return ErrActive
	}
	c.cams[camID] = &hijack{peerID: peerID, frame: interval{periodMs: CamFrameMs}}
	c.mu.Unlock()
	var q outbound
	q.all(&protocol.CamHijack{CamID: camID, PeerID: peerID})
	q.flush(c.out, c.logger)
	return nil
}

// Stop releases a camera held by peerID.
func (c *Cameras) Stop(camID, peerID uint32) error {
	c.mu.Lock()
	cur, ok := c.cams[camID]
	if !ok {
		c.mu.Unlock()
		return ErrInactive
	}
	if cur.peerID != peerID {
		c.mu.Unlock()
		return ErrNotOwner
	}
	delete(c.cams, camID)
	c.mu.Unlock()
	var q outbound
	q.all(&protocol.CamStop{CamID: camID, PeerID: peerID})
	q.flush(c.out, c.logger)
	return nil
}

// SmartCamStart announces a projectile camera to every peer not in low-bandwidth mode.
func (c *Cameras) SmartCamStart(projectileID uint32) {
	c.mu.Lock()
	c.smart[projectileID] = struct{}{}
	c.mu.Unlock()
	c.toFullBandwidth(&protocol.SmartCamStart{ProjectileID: projectileID})
}

// SmartCamEnd closes a projectile camera.
func (c *Cameras) SmartCamEnd(projectileID uint32) error {
	c.mu.Lock()
	if _, ok := c.smart[projectileID]; !ok {
		c.mu.Unlock()
		return ErrInactive
	}
	delete(c.smart, projectileID)
	c.mu.Unlock()
	c.toFullBandwidth(&protocol.SmartCamEnd{ProjectileID: projectileID})
	return nil
}

func (c *Cameras) toFullBandwidth(msg protocol.Message) {
	if c.audience == nil {
		return
	}
	var q outbound
	for _, peerID := range c.audience.Peers() {
		if c.audience.LowBandwidth(peerID) {
			continue
		}
		q.peer(peerID, msg)
	}
	q.flush(c.out, c.logger)
}

// HolderOf returns the peer controlling camID.
func (c *Cameras) HolderOf(camID uint32) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.cams[camID]
	if !ok {
		return 0, false
	}
	return cur.peerID, true
}

// RemovePeer releases every camera a departed peer held.
func (c *Cameras) RemovePeer(peerID uint32) {
	var q outbound
	c.mu.Lock()
	for id, cur := range c.cams {
		if cur.peerID == peerID {
			delete(c.cams, id)
			q.all(&protocol.CamStop{CamID: id, PeerID: peerID})
		}
	}
	c.mu.Unlock()
	q.flush(c.out, c.logger)
}

// Tick broadcasts CamFrameStart for every hijacked camera every CamFrameMs.
func (c *Cameras) Tick(dtMs uint32) {
	var q outbound
	c.mu.Lock()
	ids := make([]uint32, 0, len(c.cams))
	for id := range c.cams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if c.cams[id].frame.advance(dtMs) {
			q.all(&protocol.CamFrameStart{CamID: id})
		}
	}
	c.mu.Unlock()
	q.flush(c.out, c.logger)
}
