package model

import (
	"encoding/json"
	"math"
)

// Message is a decoded tracker wire message.
// Answers are relayed to the target peer with every field the sender put in
// them, so the message stays a generic JSON object instead of a struct.
type Message map[string]interface{}

// Actions
const (
	ActionAnnounce = "announce"
	ActionScrape   = "scrape"
)

// Announce events
const (
	EventStarted   = "started"
	EventStopped   = "stopped"
	EventCompleted = "completed"
)

// Field names used by the protocol.
const (
	FieldAction     = "action"
	FieldEvent      = "event"
	FieldInfoHash   = "info_hash"
	FieldPeerID     = "peer_id"
	FieldToPeerID   = "to_peer_id"
	FieldOffers     = "offers"
	FieldOffer      = "offer"
	FieldOfferID    = "offer_id"
	FieldAnswer     = "answer"
	FieldNumWant    = "numwant"
	FieldLeft       = "left"
	FieldSDP        = "sdp"
	FieldInterval   = "interval"
	FieldComplete   = "complete"
	FieldIncomplete = "incomplete"
	FieldFiles      = "files"
)

// Has reports whether key is present, even with a null value.
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// String returns the value of key if it is a JSON string.
func (m Message) String(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// Action returns the action field, or "" when it is missing or not a string.
func (m Message) Action() string {
	s, _ := m.String(FieldAction)
	return s
}

// Number returns the value of key if it is a JSON number.
func (m Message) Number(key string) (float64, bool) {
	return toFloat(m[key])
}

// Int returns the value of key if it is a JSON number without a fractional part.
// Values beyond the int range saturate.
func (m Message) Int(key string) (int, bool) {
	f, ok := m.Number(key)
	if !ok || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return 0, false
	}
	switch {
	case f >= math.MaxInt:
		return math.MaxInt, true
	case f <= math.MinInt:
		return math.MinInt, true
	}
	return int(f), true
}

// Clone returns a shallow copy of the message.
func (m Message) Clone() Message {
	c := make(Message, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Object returns v as a JSON object if it is one.
func Object(v interface{}) (map[string]interface{}, bool) {
	switch o := v.(type) {
	case Message:
		return o, o != nil
	case map[string]interface{}:
		return o, o != nil
	default:
		return nil, false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// NewAnnounceReply builds the response sent to an announcing peer.
func NewAnnounceReply(interval int, infoHash string, complete, incomplete int) Message {
	return Message{
		FieldAction:     ActionAnnounce,
		FieldInterval:   interval,
		FieldInfoHash:   infoHash,
		FieldComplete:   complete,
		FieldIncomplete: incomplete,
	}
}

// NewOfferMessage builds the offer pushed to a swarm member on behalf of fromPeerID.
// offerID and sdp are relayed as received.
func NewOfferMessage(infoHash string, offerID interface{}, fromPeerID string, sdp interface{}) Message {
	return Message{
		FieldAction:   ActionAnnounce,
		FieldInfoHash: infoHash,
		FieldOfferID:  offerID,
		FieldPeerID:   fromPeerID,
		FieldOffer: map[string]interface{}{
			"type":   "offer",
			FieldSDP: sdp,
		},
	}
}

// NewScrapeReply builds the scrape response.
func NewScrapeReply(files map[string]ScrapeFile) Message {
	return Message{
		FieldAction: ActionScrape,
		FieldFiles:  files,
	}
}

// ScrapeHashes normalizes the info_hash field of a scrape request.
// all is true when the field is absent. Entries that are not strings are skipped.
func ScrapeHashes(m Message) (hashes []string, all bool) {
	v, ok := m[FieldInfoHash]
	if !ok {
		return nil, true
	}
	switch h := v.(type) {
	case string:
		return []string{h}, false
	case []interface{}:
		for _, item := range h {
			if s, ok := item.(string); ok {
				hashes = append(hashes, s)
			}
		}
		return hashes, false
	case []string:
		return append(hashes, h...), false
	default:
		return nil, false
	}
}
