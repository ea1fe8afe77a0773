package msgsync

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Outcome classifies what a merge did with one incoming message.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomePromoted  Outcome = "promoted"
	OutcomeRejected  Outcome = "rejected"
)

// contentKey identifies messages that carry the same text in the same
// direction. Two observations of one real-world message always collide
// here, whatever ids they arrived under.
type contentKey [blake2b.Size256]byte

func contentKeyOf(body string, dir Direction) contentKey {
	buf := make([]byte, 0, len(dir)+1+len(body))
	buf = append(buf, dir...)
	buf = append(buf, 0)
	buf = append(buf, body...)
	return blake2b.Sum256(buf)
}

// conversationState is the store's mutable per-conversation record.
// The entries in msgs are shared with byID and byContent, so an entry can
// be rewritten in place without reindexing; msgs stays sorted by timestamp
// ascending with ties in observation order. All access goes through mu,
// which the store owns.
type conversationState struct {
	mu sync.Mutex

	key       string
	msgs      []*Message
	byID      map[string]*Message
	byContent map[contentKey][]*Message
}

func newConversationState(key string) *conversationState {
	return &conversationState{
		key:       key,
		byID:      make(map[string]*Message),
		byContent: make(map[contentKey][]*Message),
	}
}

// merge applies one observed message. Rules, in order:
//
//  1. Identity: a known id is a duplicate, except that a confirmed
//     observation overwrites a stored unconfirmed one (promotion).
//  2. Content: among messages with the same (body, direction), two
//     observations within window describe the same message. The confirmed
//     side survives and keeps its id; with equal confirmation the earlier
//     observation survives.
//  3. Otherwise the message is inserted in timestamp order.
//
// merge is idempotent: replaying any input leaves the state unchanged.
// The caller must hold mu.
func (c *conversationState) merge(incoming Message, window time.Duration) (Outcome, bool) {
	if cur, ok := c.byID[incoming.ID]; ok {
		if incoming.Confirmed && !cur.Confirmed {
			c.overwrite(cur, incoming)
			return OutcomePromoted, true
		}
		return OutcomeDuplicate, false
	}

	ck := contentKeyOf(incoming.Body, incoming.Direction)
	for _, cand := range c.byContent[ck] {
		if absDuration(incoming.Timestamp.Sub(cand.Timestamp)) > window {
			continue
		}
		if incoming.Confirmed && !cand.Confirmed {
			// The provisional entry adopts the confirmed identity; its
			// content key is unchanged, so only the id index moves.
			delete(c.byID, cand.ID)
			c.overwrite(cand, incoming)
			c.byID[cand.ID] = cand
			return OutcomePromoted, true
		}
		return OutcomeDuplicate, false
	}

	m := new(Message)
	*m = incoming
	c.insertSorted(m)
	c.byID[m.ID] = m
	c.byContent[ck] = append(c.byContent[ck], m)
	return OutcomeAccepted, true
}

// overwrite replaces cur's fields with incoming, preserving a local read
// mark, and restores timestamp order.
func (c *conversationState) overwrite(cur *Message, incoming Message) {
	oldCK := contentKeyOf(cur.Body, cur.Direction)
	newCK := contentKeyOf(incoming.Body, incoming.Direction)

	read := cur.Read || incoming.Read
	*cur = incoming
	cur.Read = read

	if oldCK != newCK {
		c.dropFromContent(oldCK, cur)
		c.byContent[newCK] = append(c.byContent[newCK], cur)
	}
	c.resort()
}

// confirmID rewrites a provisional id to the gateway's id. If the gateway
// echo already landed under confirmedID, the provisional entry is simply
// removed.
func (c *conversationState) confirmID(provisionalID, confirmedID string) (bool, error) {
	p, ok := c.byID[provisionalID]
	if !ok {
		return false, ErrUnknownMessage
	}

	if existing, ok := c.byID[confirmedID]; ok && existing != p {
		c.remove(p)
		return true, nil
	}

	delete(c.byID, provisionalID)
	p.ID = confirmedID
	p.Confirmed = true
	c.byID[confirmedID] = p
	return true, nil
}

// markRead flips every unread inbound message to read.
func (c *conversationState) markRead() bool {
	changed := false
	for _, m := range c.msgs {
		if m.Direction == DirectionInbound && !m.Read {
			m.Read = true
			changed = true
		}
	}
	return changed
}

// evict drops messages until at most max remain. Oldest go first, but
// unread inbound messages are kept while any other candidate exists; the
// hard cap always wins.
func (c *conversationState) evict(max int) int {
	if max <= 0 {
		return 0
	}

	dropped := 0
	for len(c.msgs) > max {
		idx := 0
		for i, m := range c.msgs {
			if m.Direction != DirectionInbound || m.Read {
				idx = i
				break
			}
		}
		c.remove(c.msgs[idx])
		dropped++
	}
	return dropped
}

// snapshot copies the conversation for callers outside the lock.
func (c *conversationState) snapshot() Conversation {
	conv := Conversation{
		Key:      c.key,
		Messages: make([]Message, len(c.msgs)),
	}
	for i, m := range c.msgs {
		conv.Messages[i] = *m
	}
	if last := c.lastMessage(); last != nil {
		cp := *last
		conv.LastMessage = &cp
	}
	conv.UnreadCount = c.unreadCount()
	return conv
}

func (c *conversationState) summary() Summary {
	s := Summary{
		Key:          c.key,
		UnreadCount:  c.unreadCount(),
		MessageCount: len(c.msgs),
	}
	if last := c.lastMessage(); last != nil {
		cp := *last
		s.LastMessage = &cp
	}
	return s
}

// lastMessage picks the message with the maximum timestamp. Among ties,
// confirmed beats unconfirmed, then the later observation wins.
func (c *conversationState) lastMessage() *Message {
	if len(c.msgs) == 0 {
		return nil
	}

	maxTS := c.msgs[len(c.msgs)-1].Timestamp
	start := len(c.msgs) - 1
	for start > 0 && c.msgs[start-1].Timestamp.Equal(maxTS) {
		start--
	}

	best := c.msgs[start]
	for _, cand := range c.msgs[start+1:] {
		switch {
		case cand.Confirmed == best.Confirmed:
			best = cand
		case cand.Confirmed:
			best = cand
		}
	}
	return best
}

func (c *conversationState) unreadCount() int {
	n := 0
	for _, m := range c.msgs {
		if m.Direction == DirectionInbound && !m.Read {
			n++
		}
	}
	return n
}

// insertSorted places m after every message with an earlier-or-equal
// timestamp, so ties keep observation order.
func (c *conversationState) insertSorted(m *Message) {
	idx := sort.Search(len(c.msgs), func(i int) bool {
		return c.msgs[i].Timestamp.After(m.Timestamp)
	})
	c.msgs = append(c.msgs, nil)
	copy(c.msgs[idx+1:], c.msgs[idx:])
	c.msgs[idx] = m
}

func (c *conversationState) resort() {
	sort.SliceStable(c.msgs, func(i, j int) bool {
		return c.msgs[i].Timestamp.Before(c.msgs[j].Timestamp)
	})
}

func (c *conversationState) remove(target *Message) {
	for i, m := range c.msgs {
		if m == target {
			c.msgs = append(c.msgs[:i], c.msgs[i+1:]...)
			break
		}
	}
	delete(c.byID, target.ID)
	c.dropFromContent(contentKeyOf(target.Body, target.Direction), target)
}

func (c *conversationState) dropFromContent(ck contentKey, target *Message) {
	list := c.byContent[ck]
	for i, m := range list {
		if m == target {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.byContent, ck)
		return
	}
	c.byContent[ck] = list
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
