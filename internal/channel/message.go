package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/eachlabs/ncdc/internal/ref"
	"github.com/tidwall/gjson"
)

// Message is one chat message.
type Message struct {
	ref.Refable

	id        Snowflake
	channelID Snowflake
	author    *Account
	content   string
	timestamp time.Time
	edited    *time.Time
	nonce     string
}

// NewMessage creates a message. author may be nil; the message takes its
// own reference to it.
func NewMessage(id, channelID Snowflake, author *Account, content string) *Message {
	m := &Message{id: id, channelID: channelID, content: content}
	if author != nil {
		author.Ref()
		m.author = author
	}
	m.Init(m.release)
	return m
}

// ParseMessage decodes a message object. Only id is required.
func ParseMessage(data []byte) (*Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parsing message: %w", ErrNotObject)
	}
	return messageFromResult(gjson.ParseBytes(data))
}

// ParseMessages decodes an array of message objects, skipping entries
// that are not valid messages.
func ParseMessages(data []byte) ([]*Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parsing messages: invalid json")
	}
	r := gjson.ParseBytes(data)
	if !r.IsArray() {
		return nil, fmt.Errorf("parsing messages: not an array")
	}

	var out []*Message
	r.ForEach(func(_, v gjson.Result) bool {
		if m, err := messageFromResult(v); err == nil {
			out = append(out, m)
		}
		return true
	})
	return out, nil
}

func messageFromResult(r gjson.Result) (*Message, error) {
	if !r.IsObject() {
		return nil, fmt.Errorf("parsing message: %w", ErrNotObject)
	}
	id := r.Get("id")
	if id.Type != gjson.String || id.Str == "" {
		return nil, fmt.Errorf("parsing message: %w", ErrMissingID)
	}

	var author *Account
	if a := r.Get("author"); a.Exists() {
		if acc, err := accountFromResult(a); err == nil {
			author = acc
		}
	}

	m := NewMessage(Snowflake(id.Str), Snowflake(r.Get("channel_id").String()), author, r.Get("content").String())
	if author != nil {
		// NewMessage took its own reference.
		author.Unref()
	}

	if ts := r.Get("timestamp"); ts.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339Nano, ts.Str); err == nil {
			m.timestamp = t
		}
	}
	if ts := r.Get("edited_timestamp"); ts.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339Nano, ts.Str); err == nil {
			m.edited = &t
		}
	}
	if n := r.Get("nonce"); n.Exists() && n.Type != gjson.Null {
		m.nonce = n.String()
	}
	return m, nil
}

func (m *Message) release() {
	if m.author != nil {
		m.author.Unref()
		m.author = nil
	}
}

// ID returns the message id.
func (m *Message) ID() Snowflake { return m.id }

// ChannelID returns the id of the channel the message was posted in.
func (m *Message) ChannelID() Snowflake { return m.channelID }

// Author returns the sender, or nil if unknown.
func (m *Message) Author() *Account { return m.author }

// Content returns the message text.
func (m *Message) Content() string { return m.content }

// Nonce returns the client nonce the message was sent with, if any.
func (m *Message) Nonce() string { return m.nonce }

// SetNonce sets the client nonce.
func (m *Message) SetNonce(n string) { m.nonce = n }

// Timestamp returns the send time. Messages without an explicit timestamp
// report the time embedded in their id.
func (m *Message) Timestamp() time.Time {
	if m.timestamp.IsZero() {
		return m.id.Time()
	}
	return m.timestamp
}

// SetTimestamp sets the send time.
func (m *Message) SetTimestamp(t time.Time) { m.timestamp = t }

// Edited returns the last edit time, if the message was edited.
func (m *Message) Edited() (time.Time, bool) {
	if m.edited == nil {
		return time.Time{}, false
	}
	return *m.edited, true
}

// CompareMessages is the chronological comparator used to order a
// channel's message store.
func CompareMessages(a, b *Message) int {
	return Compare(a.id, b.id)
}

type wireMessage struct {
	ID              Snowflake  `json:"id"`
	ChannelID       Snowflake  `json:"channel_id,omitempty"`
	Author          *Account   `json:"author,omitempty"`
	Content         string     `json:"content"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
	EditedTimestamp *time.Time `json:"edited_timestamp,omitempty"`
	Nonce           string     `json:"nonce,omitempty"`
}

// MarshalJSON encodes the message in wire form.
func (m *Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:              m.id,
		ChannelID:       m.channelID,
		Author:          m.author,
		Content:         m.content,
		EditedTimestamp: m.edited,
		Nonce:           m.nonce,
	}
	if !m.timestamp.IsZero() {
		ts := m.timestamp
		w.Timestamp = &ts
	}
	return json.Marshal(w)
}
