package telegram

import (
	"encoding/json"
	"strconv"

	"github.com/gotd/td/tg"

	"github.com/stellarlinkco/tgvault/internal/peer"
)

// Message is the normalized record every downstream component consumes.
// Raw carries the JSON encoding of the library object for the archive.
type Message struct {
	ID       int             `json:"id"`
	Date     int64           `json:"date,omitempty"`
	Text     string          `json:"text"`
	FromID   string          `json:"fromId"`
	PeerType string          `json:"peerType,omitempty"`
	PeerID   int64           `json:"peerId,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// Normalize flattens a library message into a Message. Empty placeholders
// are dropped (ok == false); service messages keep their id and date with
// empty text so history cursors stay contiguous.
func Normalize(m tg.MessageClass, ref peer.Ref) (Message, bool) {
	switch msg := m.(type) {
	case *tg.Message:
		out := Message{
			ID:       msg.ID,
			Date:     int64(msg.Date),
			Text:     msg.Message,
			FromID:   senderID(msg.FromID),
			PeerType: string(ref.Kind),
			PeerID:   ref.ID,
		}
		if raw, err := json.Marshal(msg); err == nil {
			out.Raw = raw
		}
		return out, true
	case *tg.MessageService:
		out := Message{
			ID:       msg.ID,
			Date:     int64(msg.Date),
			FromID:   senderID(msg.FromID),
			PeerType: string(ref.Kind),
			PeerID:   ref.ID,
		}
		if raw, err := json.Marshal(msg); err == nil {
			out.Raw = raw
		}
		return out, true
	default:
		return Message{}, false
	}
}

func senderID(from tg.PeerClass) string {
	switch p := from.(type) {
	case *tg.PeerUser:
		return strconv.FormatInt(p.UserID, 10)
	case *tg.PeerChannel:
		return strconv.FormatInt(p.ChannelID, 10)
	case *tg.PeerChat:
		return strconv.FormatInt(p.ChatID, 10)
	}
	return "unknown"
}
