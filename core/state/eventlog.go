package state

import (
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"rainchain/core/types"
)

// participantKeys are the event attributes that carry an address. Events are
// indexed under each so participants can discover records (pending fill
// requests in particular) without scanning the full log.
var participantKeys = []string{"owner", "lender", "borrower", "liquidator"}

// storedEvent is the RLP shape of a log entry. Attribute maps are flattened
// into parallel key/value slices because RLP has no map encoding; the codec
// keeps insertion order out of the picture by sorting on write.
type storedEvent struct {
	Type string
	Keys []string
	Vals []string
}

func toStored(evt *types.Event) storedEvent {
	stored := storedEvent{Type: evt.Type}
	for _, key := range sortedAttrKeys(evt.Attributes) {
		stored.Keys = append(stored.Keys, key)
		stored.Vals = append(stored.Vals, evt.Attributes[key])
	}
	return stored
}

func fromStored(stored storedEvent) *types.Event {
	evt := &types.Event{Type: stored.Type, Attributes: make(map[string]string, len(stored.Keys))}
	for i, key := range stored.Keys {
		if i < len(stored.Vals) {
			evt.Attributes[key] = stored.Vals[i]
		}
	}
	return evt
}

func sortedAttrKeys(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// AppendEvent appends the event to the global log and to the per-participant
// indexes for every address attribute it carries.
func (m *Manager) AppendEvent(evt *types.Event) error {
	if evt == nil {
		return nil
	}
	if err := m.appendEventTo(eventLogKey, evt); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, key := range participantKeys {
		addr, ok := evt.Attributes[key]
		if !ok || addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		if err := m.appendEventTo(participantKey(addr), evt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) appendEventTo(key []byte, evt *types.Event) error {
	var list []storedEvent
	if _, err := m.load(key, &list); err != nil {
		return err
	}
	return m.store(key, append(list, toStored(evt)))
}

// Events returns the full event log in append order.
func (m *Manager) Events() ([]*types.Event, error) {
	return m.loadEvents(eventLogKey)
}

// EventsByParticipant returns the events naming the given bech32 address as
// owner, lender, borrower or liquidator, in append order.
func (m *Manager) EventsByParticipant(addr string) ([]*types.Event, error) {
	return m.loadEvents(participantKey(addr))
}

func (m *Manager) loadEvents(key []byte) ([]*types.Event, error) {
	var list []storedEvent
	if _, err := m.load(key, &list); err != nil {
		return nil, err
	}
	out := make([]*types.Event, 0, len(list))
	for _, stored := range list {
		out = append(out, fromStored(stored))
	}
	return out, nil
}

func participantKey(addr string) []byte {
	buf := make([]byte, len(eventAddrPrefix)+len(addr))
	copy(buf, eventAddrPrefix)
	copy(buf[len(eventAddrPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}
