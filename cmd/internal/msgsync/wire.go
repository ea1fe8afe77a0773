package msgsync

import (
	v1 "github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/contracts/gateway/v1"
)

// FromWire converts a gateway message DTO into the domain model.
//
// Direction follows fromMe. Confirmed means the gateway's server holds the
// message: inbound messages always qualify, outbound ones once their ack
// level reaches AckServer. An outbound echo still at AckPending stays
// unconfirmed and is collapsed against the local provisional copy by content
// dedup instead of promoting it.
func FromWire(p v1.MessagePayload) Message {
	dir := DirectionInbound
	if p.FromMe {
		dir = DirectionOutbound
	}
	return Message{
		ID:              p.ID,
		ConversationKey: p.ChatID,
		Body:            p.Body,
		Timestamp:       p.Timestamp.Time,
		Direction:       dir,
		Confirmed:       !p.FromMe || p.Ack >= v1.AckServer,
		Read:            p.Read,
	}
}

// FromWireBatch converts a payload slice, substituting fallbackChatID for
// entries that carry no chat id of their own. Per-chat gateway endpoints
// omit the chat id on each row.
func FromWireBatch(ps []v1.MessagePayload, fallbackChatID string) []Message {
	if len(ps) == 0 {
		return nil
	}
	out := make([]Message, 0, len(ps))
	for _, p := range ps {
		if p.ChatID == "" {
			p.ChatID = fallbackChatID
		}
		out = append(out, FromWire(p))
	}
	return out
}
