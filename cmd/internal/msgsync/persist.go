package msgsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/ids"
)

// snapshot is the mirror's representation of one conversation. Revision is
// a ULID per write, useful when diffing mirror contents during an incident.
type snapshot struct {
	Key       string    `json:"key"`
	Revision  string    `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

func encodeSnapshot(conv Conversation) ([]byte, error) {
	now := time.Now().UTC()
	rev, err := ids.NewULID(now)
	if err != nil {
		return nil, fmt.Errorf("snapshot revision: %w", err)
	}
	return json.Marshal(snapshot{
		Key:       conv.Key,
		Revision:  rev,
		UpdatedAt: now,
		Messages:  conv.Messages,
	})
}

func decodeSnapshot(raw []byte) (snapshot, error) {
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
