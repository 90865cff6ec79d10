package protocol

func (m *Snapshot) encode(b *Buffer) { b.Raw(m.Data) }

func (m *Snapshot) decode(c *Cursor) { m.Data = c.Rest() }

func (m *Chat) encode(b *Buffer) {
	b.U32(m.PeerID)
	b.String16(m.Text)
}

func (m *Chat) decode(c *Cursor) {
	m.PeerID = c.U32()
	m.Text = c.String16(MaxChatBytes)
}

func (m *JoinRequest) encode(b *Buffer) {
	b.String16(m.Name)
	b.String16(m.Password)
}

func (m *JoinRequest) decode(c *Cursor) {
	m.Name = c.String16(MaxNameBytes)
	m.Password = c.String16(MaxNameBytes * 2)
}

func (m *Disconnect) encode(b *Buffer) { b.String16(m.Reason) }

func (m *Disconnect) decode(c *Cursor) { m.Reason = c.String16(MaxReasonBytes) }

func (m *NatCandidate) encode(b *Buffer) { b.String16(m.Candidate) }

func (m *NatCandidate) decode(c *Cursor) { m.Candidate = c.String16(MaxChatBytes) }

func (m *AdminNotice) encode(b *Buffer) { b.String16(m.Text) }

func (m *AdminNotice) decode(c *Cursor) { m.Text = c.String16(MaxChatBytes) }

func (m *QuestFullSync) encode(b *Buffer) {
	entries := m.Entries
	if len(entries) > MaxQuestEntries {
		entries = entries[:MaxQuestEntries]
	}
	b.U16(uint16(len(entries)))
	for _, e := range entries {
		b.U32(e.NameHash)
		b.U16(e.Stage)
	}
}

func (m *QuestFullSync) decode(c *Cursor) {
	count := int(c.U16())
	if count > MaxQuestEntries {
		c.Fail(ErrTooLong)
		return
	}
	m.Entries = make([]QuestEntry, 0, count)
	for i := 0; i < count; i++ {
		m.Entries = append(m.Entries, QuestEntry{NameHash: c.U32(), Stage: c.U16()})
	}
}

func (m *PhaseBundle) encode(b *Buffer) {
	b.U32(m.PhaseID)
	b.Bytes16(m.Blob)
}

func (m *PhaseBundle) decode(c *Cursor) {
	m.PhaseID = c.U32()
	m.Blob = c.Bytes16(MaxBundleBytes)
}

func (m *TradeOffer) encode(b *Buffer) {
	items := m.Items
	if len(items) > MaxTradeItems {
		items = items[:MaxTradeItems]
	}
	b.U32(m.FromPeer)
	b.U8(uint8(len(items)))
	for _, id := range items {
		b.U64(id)
	}
	b.U64(m.Eddies)
}

func (m *TradeOffer) decode(c *Cursor) {
	m.FromPeer = c.U32()
	count := int(c.U8())
	if count > MaxTradeItems {
		c.Fail(ErrTooLong)
		return
	}
	m.Items = make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		m.Items = append(m.Items, c.U64())
	}
	m.Eddies = c.U64()
}

func (m *VendorStock) encode(b *Buffer) {
	entries := m.Entries
	if len(entries) > MaxVendorEntries {
		entries = entries[:MaxVendorEntries]
	}
	b.U32(m.VendorID)
	b.U32(m.PhaseID)
	b.U8(uint8(len(entries)))
	for _, e := range entries {
		b.U16(e.Tpl)
		b.U16(e.Qty)
		b.U32(e.Price)
	}
}

func (m *VendorStock) decode(c *Cursor) {
	m.VendorID = c.U32()
	m.PhaseID = c.U32()
	count := int(c.U8())
	if count > MaxVendorEntries {
		c.Fail(ErrTooLong)
		return
	}
	m.Entries = make([]VendorEntry, 0, count)
	for i := 0; i < count; i++ {
		m.Entries = append(m.Entries, VendorEntry{Tpl: c.U16(), Qty: c.U16(), Price: c.U32()})
	}
}

func (m *Voice) encode(b *Buffer) {
	b.U32(m.PeerID)
	b.U16(m.Seq)
	b.Bytes16(m.Data)
}

func (m *Voice) decode(c *Cursor) {
	m.PeerID = c.U32()
	m.Seq = c.U16()
	m.Data = c.Bytes16(MaxVoiceBytes)
}

func (m *AssetChunk) encode(b *Buffer) {
	b.U64(m.AssetID)
	b.U32(m.Index)
	b.U32(m.Offset)
	b.U32(m.Size)
	b.U32(m.CompressedSize)
	b.U64(m.Hash)
	b.U8(m.Compression)
	b.Bytes16(m.Data)
}

func (m *AssetChunk) decode(c *Cursor) {
	m.AssetID = c.U64()
	m.Index = c.U32()
	m.Offset = c.U32()
	m.Size = c.U32()
	m.CompressedSize = c.U32()
	m.Hash = c.U64()
	m.Compression = c.U8()
	m.Data = c.Bytes16(MaxChunkBytes)
}

func (m *SaveResponse) encode(b *Buffer) {
	b.Raw(m.RequestID[:])
	b.U8(boolByte(m.OK))
	b.String16(m.Reason)
}

func (m *SaveResponse) decode(c *Cursor) {
	copy(m.RequestID[:], c.Raw(16))
	m.OK = c.U8() != 0
	m.Reason = c.String16(MaxReasonBytes)
}

func (m *SaveCompletion) encode(b *Buffer) {
	b.Raw(m.RequestID[:])
	b.U8(boolByte(m.OK))
	b.String16(m.Reason)
}

func (m *SaveCompletion) decode(c *Cursor) {
	copy(m.RequestID[:], c.Raw(16))
	m.OK = c.U8() != 0
	m.Reason = c.String16(MaxReasonBytes)
}

func boolByte(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}
