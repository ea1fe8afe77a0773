package msgsync

import (
	"testing"
	"time"
)

var mergeT0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func mkMsg(id, body string, ts time.Time, dir Direction, confirmed, read bool) Message {
	return Message{
		ID:              id,
		ConversationKey: "123",
		Body:            body,
		Timestamp:       ts,
		Direction:       dir,
		Confirmed:       confirmed,
		Read:            read,
	}
}

func TestMerge_IdentityDuplicateKeepsStored(t *testing.T) {
	t.Parallel()

	c := newConversationState("123")

	if out, changed := c.merge(mkMsg("a1", "first", mergeT0, DirectionInbound, true, false), time.Second); out != OutcomeAccepted || !changed {
		t.Fatalf("first merge: got=(%v,%v) want=(accepted,true)", out, changed)
	}
	if out, changed := c.merge(mkMsg("a1", "second body", mergeT0.Add(time.Minute), DirectionInbound, true, false), time.Second); out != OutcomeDuplicate || changed {
		t.Fatalf("replay merge: got=(%v,%v) want=(duplicate,false)", out, changed)
	}

	if len(c.msgs) != 1 {
		t.Fatalf("messages: got=%d want=1", len(c.msgs))
	}
	if c.msgs[0].Body != "first" {
		t.Fatalf("body: got=%q want=%q (later observation must be discarded)", c.msgs[0].Body, "first")
	}
}

func TestMerge_IdentityPromotionOverwritesUnconfirmed(t *testing.T) {
	t.Parallel()

	c := newConversationState("123")

	c.merge(mkMsg("a1", "hi", mergeT0, DirectionOutbound, false, false), time.Second)
	out, changed := c.merge(mkMsg("a1", "hi", mergeT0.Add(200*time.Millisecond), DirectionOutbound, true, false), time.Second)
	if out != OutcomePromoted || !changed {
		t.Fatalf("promotion: got=(%v,%v) want=(promoted,true)", out, changed)
	}

	if len(c.msgs) != 1 {
		t.Fatalf("messages: got=%d want=1", len(c.msgs))
	}
	if !c.msgs[0].Confirmed {
		t.Fatal("stored message must be confirmed after promotion")
	}
}

func TestMerge_ContentPromotionAdoptsConfirmedID(t *testing.T) {
	t.Parallel()

	c := newConversationState("123")

	c.merge(mkMsg("local-1", "hi", mergeT0, DirectionOutbound, false, false), time.Second)
	out, changed := c.merge(mkMsg("srv-9", "hi", mergeT0.Add(300*time.Millisecond), DirectionOutbound, true, false), time.Second)
	if out != OutcomePromoted || !changed {
		t.Fatalf("echo merge: got=(%v,%v) want=(promoted,true)", out, changed)
	}

	if len(c.msgs) != 1 {
		t.Fatalf("messages: got=%d want=1", len(c.msgs))
	}
	got := c.msgs[0]
	if got.ID != "srv-9" || !got.Confirmed {
		t.Fatalf("survivor: got id=%q confirmed=%v want id=srv-9 confirmed=true", got.ID, got.Confirmed)
	}
	if _, ok := c.byID["local-1"]; ok {
		t.Fatal("provisional id must be gone from the id index")
	}
	if _, ok := c.byID["srv-9"]; !ok {
		t.Fatal("confirmed id missing from the id index")
	}
}

func TestMerge_ContentDuplicateOutsideWindowIsKept(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		window time.Duration
		gap    time.Duration
		want   int
	}{
		{name: "inside default window", window: time.Second, gap: 500 * time.Millisecond, want: 1},
		{name: "outside default window", window: time.Second, gap: 2 * time.Second, want: 2},
		{name: "wide window swallows", window: 3 * time.Second, gap: 2 * time.Second, want: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := newConversationState("123")
			c.merge(mkMsg("a1", "same text", mergeT0, DirectionInbound, true, false), tc.window)
			c.merge(mkMsg("a2", "same text", mergeT0.Add(tc.gap), DirectionInbound, true, false), tc.window)

			if len(c.msgs) != tc.want {
				t.Fatalf("messages: got=%d want=%d", len(c.msgs), tc.want)
			}
		})
	}
}

func TestMerge_ContentDedupIgnoresOtherDirection(t *testing.T) {
	t.Parallel()

	c := newConversationState("123")
	c.merge(mkMsg("a1", "ok", mergeT0, DirectionInbound, true, false), time.Second)
	c.merge(mkMsg("a2", "ok", mergeT0.Add(100*time.Millisecond), DirectionOutbound, true, false), time.Second)

	if len(c.msgs) != 2 {
		t.Fatalf("messages: got=%d want=2 (directions differ)", len(c.msgs))
	}
}

func TestMerge_OrderIsAscendingWithStableTies(t *testing.T) {
	t.Parallel()

	c := newConversationState("123")
	c.merge(mkMsg("b", "two", mergeT0.Add(2*time.Second), DirectionInbound, true, false), time.Second)
	c.merge(mkMsg("a", "one", mergeT0, DirectionInbound, true, false), time.Second)
	c.merge(mkMsg("tie-1", "three", mergeT0.Add(5*time.Second), DirectionInbound, true, false), time.Second)
	c.merge(mkMsg("tie-2", "four", mergeT0.Add(5*time.Second), DirectionInbound, true, false), time.Second)

	wantIDs := []string{"a", "b", "tie-1", "tie-2"}
	if len(c.msgs) != len(wantIDs) {
		t.Fatalf("messages: got=%d want=%d", len(c.msgs), len(wantIDs))
	}
	for i, want := range wantIDs {
		if c.msgs[i].ID != want {
			t.Fatalf("order[%d]: got=%q want=%q", i, c.msgs[i].ID, want)
		}
	}
}

func TestEvict_PrefersReadOverUnreadInbound(t *testing.T) {
	t.Parallel()

	c := newConversationState("123")
	c.merge(mkMsg("m1", "1", mergeT0, DirectionInbound, true, true), time.Second)
	c.merge(mkMsg("m2", "2", mergeT0.Add(10*time.Second), DirectionInbound, true, false), time.Second)
	c.merge(mkMsg("m3", "3", mergeT0.Add(20*time.Second), DirectionOutbound, true, true), time.Second)
	c.merge(mkMsg("m4", "4", mergeT0.Add(30*time.Second), DirectionInbound, true, false), time.Second)

	if dropped := c.evict(3); dropped != 1 {
		t.Fatalf("dropped: got=%d want=1", dropped)
	}

	wantIDs := []string{"m2", "m3", "m4"}
	for i, want := range wantIDs {
		if c.msgs[i].ID != want {
			t.Fatalf("after evict[%d]: got=%q want=%q (oldest read message must go first)", i, c.msgs[i].ID, want)
		}
	}
}

func TestEvict_HardCapWinsOverUnread(t *testing.T) {
	t.Parallel()

	c := newConversationState("123")
	for i := 0; i < 4; i++ {
		c.merge(mkMsg(
			string(rune('a'+i)), "body "+string(rune('a'+i)),
			mergeT0.Add(time.Duration(i)*10*time.Second),
			DirectionInbound, true, false,
		), time.Second)
	}

	if dropped := c.evict(2); dropped != 2 {
		t.Fatalf("dropped: got=%d want=2", dropped)
	}
	if c.msgs[0].ID != "c" || c.msgs[1].ID != "d" {
		t.Fatalf("after evict: got=[%s %s] want=[c d] (oldest unread go once nothing else is left)", c.msgs[0].ID, c.msgs[1].ID)
	}
}

func TestLastMessage_TieBreaks(t *testing.T) {
	t.Parallel()

	t.Run("confirmed beats unconfirmed", func(t *testing.T) {
		t.Parallel()

		c := newConversationState("123")
		c.merge(mkMsg("conf", "x", mergeT0, DirectionOutbound, true, false), time.Second)
		c.merge(mkMsg("prov", "y", mergeT0, DirectionOutbound, false, false), time.Second)

		last := c.lastMessage()
		if last == nil || last.ID != "conf" {
			t.Fatalf("last message: got=%v want id=conf", last)
		}
	})

	t.Run("equal status takes later observation", func(t *testing.T) {
		t.Parallel()

		c := newConversationState("123")
		c.merge(mkMsg("first", "x", mergeT0, DirectionOutbound, true, false), time.Second)
		c.merge(mkMsg("second", "y", mergeT0, DirectionOutbound, true, false), time.Second)

		last := c.lastMessage()
		if last == nil || last.ID != "second" {
			t.Fatalf("last message: got=%v want id=second", last)
		}
	})
}

func TestMerge_IsIdempotentOverReplays(t *testing.T) {
	t.Parallel()

	input := []Message{
		mkMsg("a", "hello", mergeT0, DirectionInbound, true, false),
		mkMsg("local-1", "reply", mergeT0.Add(time.Second), DirectionOutbound, false, false),
		mkMsg("srv-1", "reply", mergeT0.Add(1300*time.Millisecond), DirectionOutbound, true, false),
		mkMsg("b", "more", mergeT0.Add(3*time.Second), DirectionInbound, true, false),
	}

	c := newConversationState("123")
	for _, m := range input {
		c.merge(m, time.Second)
	}
	firstPass := make([]Message, len(c.msgs))
	for i, m := range c.msgs {
		firstPass[i] = *m
	}

	for _, m := range input {
		if _, changed := c.merge(m, time.Second); changed {
			t.Fatalf("replaying %q changed state", m.ID)
		}
	}

	if len(c.msgs) != len(firstPass) {
		t.Fatalf("messages after replay: got=%d want=%d", len(c.msgs), len(firstPass))
	}
	for i := range firstPass {
		if *c.msgs[i] != firstPass[i] {
			t.Fatalf("message %d drifted after replay: got=%+v want=%+v", i, *c.msgs[i], firstPass[i])
		}
	}
}
