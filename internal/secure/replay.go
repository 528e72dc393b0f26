package secure

// channel identifies a (source, ordered destination set) pair.
type channel struct {
	src  uint8
	n    uint8
	dsts [MaxDestinations]uint8
}

func channelOf(src uint8, dsts []uint8) channel {
	c := channel{src: src, n: uint8(len(dsts))}
	copy(c.dsts[:], dsts)
	return c
}

// ReplayTable keeps the last accepted freshness counter per channel.
// No entry exists until the first message on a channel is accepted.
type ReplayTable struct {
	entries map[channel]uint64
}

func NewReplayTable() *ReplayTable { return &ReplayTable{entries: make(map[channel]uint64)} }

// EntryFor returns the stored counter for the exact (src, dsts) channel.
func (t *ReplayTable) EntryFor(src uint8, dsts []uint8) (uint64, bool) {
	c, ok := t.entries[channelOf(src, dsts)]
	return c, ok
}

// CurrentCounter returns the stored counter or 0 when the channel is unknown.
func (t *ReplayTable) CurrentCounter(src uint8, dsts []uint8) uint64 {
	c, _ := t.EntryFor(src, dsts)
	return c
}

// RecordAccepted stores counter for the channel. Counters below the stored
// value are ignored so an entry never moves backwards.
func (t *ReplayTable) RecordAccepted(src uint8, dsts []uint8, counter uint64) {
	key := channelOf(src, dsts)
	if cur, ok := t.entries[key]; ok && counter < cur {
		return
	}
	t.entries[key] = counter
}

// Len is the number of channels with an accepted message.
func (t *ReplayTable) Len() int { return len(t.entries) }
