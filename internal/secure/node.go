package secure

// Node is a bus participant: an address, its key and the replay state it
// keeps for traffic addressed to it.
type Node struct {
	Address uint8
	key     []byte
	replay  *ReplayTable
	auth    Authenticator
}

func newNode(addr uint8, key []byte, auth Authenticator) *Node {
	return &Node{Address: addr, key: key, replay: NewReplayTable(), auth: auth}
}

// Replay exposes the node's replay table.
func (n *Node) Replay() *ReplayTable { return n.replay }

// Tag computes the tag this node expects over payload.
func (n *Node) Tag(payload []byte) []byte { return n.auth.Tag(n.key, payload) }

// Verify authenticates m against this node's tag slot and checks freshness.
// A message is accepted when its tag matches and its counter is not older
// than the stored one; the carried counter is then recorded. The outcome is
// written to m.Accepted and m.Verdict.
func (n *Node) Verify(m *Message) bool {
	m.Accepted = false
	slot, ok := m.ArbitrationID.Has(n.Address)
	if !ok || slot >= len(m.Tags) {
		m.Verdict = VerdictNotAddressed
		return false
	}
	if !n.auth.Verify(n.key, m.Payload, m.Tags[slot]) {
		m.Verdict = VerdictForged
		return false
	}
	src, dsts := m.Source(), m.Destinations()
	counter := m.Counter()
	if counter < n.replay.CurrentCounter(src, dsts) {
		m.Verdict = VerdictReplay
		return false
	}
	n.replay.RecordAccepted(src, dsts, counter)
	m.Accepted = true
	m.Verdict = VerdictAccepted
	return true
}
