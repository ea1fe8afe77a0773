package mirror

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testMirrorConformance runs the behavior every Mirror implementation must
// share. Backend tests call it with a fresh, empty mirror.
func testMirrorConformance(t *testing.T, m Mirror) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := m.Get(ctx, "conv/absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get absent: got err=%v want ErrNotFound", err)
	}

	if err := m.Set(ctx, "conv/5511999", []byte(`{"rev":1}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := m.Get(ctx, "conv/5511999")
	if err != nil {
		t.Fatalf("get after set: %v", err)
	}
	if string(got) != `{"rev":1}` {
		t.Fatalf("get after set: got=%q want=%q", got, `{"rev":1}`)
	}

	// Overwrite is last-write-wins.
	if err := m.Set(ctx, "conv/5511999", []byte(`{"rev":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err = m.Get(ctx, "conv/5511999")
	if err != nil {
		t.Fatalf("get after overwrite: %v", err)
	}
	if string(got) != `{"rev":2}` {
		t.Fatalf("get after overwrite: got=%q want=%q", got, `{"rev":2}`)
	}

	if err := m.Set(ctx, "conv/4477000", []byte(`{}`)); err != nil {
		t.Fatalf("set second: %v", err)
	}
	if err := m.Set(ctx, "meta/cursor", []byte(`{}`)); err != nil {
		t.Fatalf("set unrelated: %v", err)
	}

	keys, err := m.ListKeys(ctx, "conv/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("list: got=%d keys want=2 (%v)", len(keys), keys)
	}
	if keys[0] != "conv/4477000" || keys[1] != "conv/5511999" {
		t.Fatalf("list order: got=%v want=[conv/4477000 conv/5511999]", keys)
	}

	keys, err = m.ListKeys(ctx, "conv/55")
	if err != nil {
		t.Fatalf("list narrow: %v", err)
	}
	if len(keys) != 1 || keys[0] != "conv/5511999" {
		t.Fatalf("list narrow: got=%v want=[conv/5511999]", keys)
	}
}

func TestMemory_Conformance(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	defer m.Close()

	testMirrorConformance(t, m)
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	if err := m.Set(ctx, "k", []byte("abc")); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got[0] = 'X'

	again, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if string(again) != "abc" {
		t.Fatalf("stored value mutated through returned slice: got=%q", again)
	}
}

func TestMemory_SetCopiesInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	buf := []byte("abc")
	if err := m.Set(ctx, "k", buf); err != nil {
		t.Fatalf("set: %v", err)
	}
	buf[0] = 'X'

	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller buffer: got=%q", got)
	}
}
