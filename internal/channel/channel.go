// Package channel holds the local cache of channels, their recipients and
// their messages, and maps them to and from the wire schema.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/eachlabs/ncdc/internal/ref"
	"github.com/tidwall/gjson"
)

var (
	ErrNotObject       = errors.New("payload is not an object")
	ErrMissingID       = errors.New("missing or invalid id")
	ErrMissingType     = errors.New("missing or invalid type")
	ErrMissingUsername = errors.New("missing or invalid username")
)

// Type is the kind of a channel.
type Type int

const (
	GuildText     Type = 0
	DM            Type = 1
	GuildVoice    Type = 2
	GroupDM       Type = 3
	GuildCategory Type = 4
	GuildNews     Type = 5
	GuildStore    Type = 6
)

func (t Type) String() string {
	switch t {
	case GuildText:
		return "text"
	case DM:
		return "dm"
	case GuildVoice:
		return "voice"
	case GroupDM:
		return "group"
	case GuildCategory:
		return "category"
	case GuildNews:
		return "news"
	case GuildStore:
		return "store"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// Channel is a conversation: a guild channel, a DM or a group DM. The id
// is fixed at construction. A Channel is safe for concurrent use.
type Channel struct {
	ref.Refable

	id Snowflake

	mu            sync.RWMutex
	typ           Type
	guildID       *string
	name          *string
	nsfw          bool
	lastMessageID *string
	ownerID       *string
	parentID      *string
	applicationID *string
	position      *int
	recipients    []*Account

	byID     map[Snowflake]*Message
	messages []*Message
	unread   bool
}

// New creates an empty channel. The caller owns the returned reference.
func New(id Snowflake, typ Type) (*Channel, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	return newChannel(id, typ), nil
}

func newChannel(id Snowflake, typ Type) *Channel {
	c := &Channel{
		id:   id,
		typ:  typ,
		byID: make(map[Snowflake]*Message),
	}
	c.Init(c.release)
	return c
}

// Parse decodes a channel object. The payload must be an object with a
// string id and an integer type; everything else is optional.
func Parse(data []byte) (*Channel, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parsing channel: %w", ErrNotObject)
	}
	return channelFromResult(gjson.ParseBytes(data))
}

// ParseList decodes an array of channel objects, skipping entries that
// fail to parse.
func ParseList(data []byte) ([]*Channel, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parsing channels: invalid json")
	}
	r := gjson.ParseBytes(data)
	if !r.IsArray() {
		return nil, fmt.Errorf("parsing channels: not an array")
	}

	var out []*Channel
	r.ForEach(func(_, v gjson.Result) bool {
		if c, err := channelFromResult(v); err == nil {
			out = append(out, c)
		}
		return true
	})
	return out, nil
}

func channelFromResult(r gjson.Result) (*Channel, error) {
	if !r.IsObject() {
		return nil, fmt.Errorf("parsing channel: %w", ErrNotObject)
	}

	id := r.Get("id")
	if id.Type != gjson.String || id.Str == "" {
		return nil, fmt.Errorf("parsing channel: %w", ErrMissingID)
	}
	typ := r.Get("type")
	if !isInteger(typ) {
		return nil, fmt.Errorf("parsing channel %s: %w", id.Str, ErrMissingType)
	}

	c := newChannel(Snowflake(id.Str), Type(typ.Int()))
	c.guildID = optString(r.Get("guild_id"))
	c.name = optString(r.Get("name"))
	c.lastMessageID = optString(r.Get("last_message_id"))
	c.ownerID = optString(r.Get("owner_id"))
	c.parentID = optString(r.Get("parent_id"))
	c.applicationID = optString(r.Get("application_id"))

	if v := r.Get("nsfw"); v.IsBool() {
		c.nsfw = v.Bool()
	}
	if v := r.Get("position"); isInteger(v) {
		p := int(v.Int())
		c.position = &p
	}

	if v := r.Get("recipients"); v.IsArray() {
		v.ForEach(func(_, item gjson.Result) bool {
			if a, err := accountFromResult(item); err == nil {
				// The channel keeps the parse reference.
				c.recipients = append(c.recipients, a)
			}
			return true
		})
	}
	return c, nil
}

func isInteger(r gjson.Result) bool {
	if r.Type != gjson.Number {
		return false
	}
	return !strings.ContainsAny(r.Raw, ".eE")
}

func optString(r gjson.Result) *string {
	if r.Type != gjson.String {
		return nil
	}
	s := r.Str
	return &s
}

type wireChannel struct {
	ID            Snowflake  `json:"id"`
	Type          Type       `json:"type"`
	NSFW          bool       `json:"nsfw"`
	GuildID       *string    `json:"guild_id,omitempty"`
	Name          *string    `json:"name,omitempty"`
	LastMessageID *string    `json:"last_message_id,omitempty"`
	OwnerID       *string    `json:"owner_id,omitempty"`
	ParentID      *string    `json:"parent_id,omitempty"`
	ApplicationID *string    `json:"application_id,omitempty"`
	Position      *int       `json:"position,omitempty"`
	Recipients    []*Account `json:"recipients,omitempty"`
}

// MarshalJSON encodes the channel in wire form. id, type and nsfw are
// always present; every other field is present only if it is set.
func (c *Channel) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return json.Marshal(wireChannel{
		ID:            c.id,
		Type:          c.typ,
		NSFW:          c.nsfw,
		GuildID:       c.guildID,
		Name:          c.name,
		LastMessageID: c.lastMessageID,
		OwnerID:       c.ownerID,
		ParentID:      c.parentID,
		ApplicationID: c.applicationID,
		Position:      c.position,
		Recipients:    c.recipients,
	})
}

func (c *Channel) release() {
	c.mu.Lock()
	recipients := c.recipients
	messages := c.messages
	c.recipients = nil
	c.messages = nil
	c.byID = make(map[Snowflake]*Message)
	c.mu.Unlock()

	for _, a := range recipients {
		a.Unref()
	}
	for _, m := range messages {
		m.Unref()
	}
}

// ID returns the channel id.
func (c *Channel) ID() Snowflake { return c.id }

// Type returns the channel type.
func (c *Channel) Type() Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.typ
}

// SetType changes the channel type.
func (c *Channel) SetType(t Type) {
	c.mu.Lock()
	c.typ = t
	c.mu.Unlock()
}

// IsDM reports whether the channel is a direct or group conversation.
func (c *Channel) IsDM() bool {
	t := c.Type()
	return t == DM || t == GroupDM
}

func (c *Channel) get(p **string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if *p == nil {
		return ""
	}
	return **p
}

func (c *Channel) set(p **string, v string) {
	c.mu.Lock()
	*p = &v
	c.mu.Unlock()
}

func (c *Channel) GuildID() Snowflake       { return Snowflake(c.get(&c.guildID)) }
func (c *Channel) Name() string             { return c.get(&c.name) }
func (c *Channel) LastMessageID() Snowflake { return Snowflake(c.get(&c.lastMessageID)) }
func (c *Channel) OwnerID() Snowflake       { return Snowflake(c.get(&c.ownerID)) }
func (c *Channel) ParentID() Snowflake      { return Snowflake(c.get(&c.parentID)) }
func (c *Channel) ApplicationID() Snowflake { return Snowflake(c.get(&c.applicationID)) }

func (c *Channel) SetGuildID(id Snowflake)       { c.set(&c.guildID, string(id)) }
func (c *Channel) SetName(name string)           { c.set(&c.name, name) }
func (c *Channel) SetLastMessageID(id Snowflake) { c.set(&c.lastMessageID, string(id)) }
func (c *Channel) SetOwnerID(id Snowflake)       { c.set(&c.ownerID, string(id)) }
func (c *Channel) SetParentID(id Snowflake)      { c.set(&c.parentID, string(id)) }
func (c *Channel) SetApplicationID(id Snowflake) { c.set(&c.applicationID, string(id)) }

// NSFW reports the nsfw flag.
func (c *Channel) NSFW() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nsfw
}

// SetNSFW sets the nsfw flag.
func (c *Channel) SetNSFW(v bool) {
	c.mu.Lock()
	c.nsfw = v
	c.mu.Unlock()
}

// Position returns the sort position within a guild, if known.
func (c *Channel) Position() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.position == nil {
		return 0, false
	}
	return *c.position, true
}

// SetPosition sets the sort position within a guild.
func (c *Channel) SetPosition(p int) {
	c.mu.Lock()
	c.position = &p
	c.mu.Unlock()
}

// DisplayName returns the channel name, or for unnamed DMs the names of
// the recipients.
func (c *Channel) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.name != nil && *c.name != "" {
		if c.typ == DM || c.typ == GroupDM {
			return *c.name
		}
		return "#" + *c.name
	}
	if len(c.recipients) > 0 {
		names := make([]string, 0, len(c.recipients))
		for _, a := range c.recipients {
			names = append(names, a.DisplayName())
		}
		return strings.Join(names, ", ")
	}
	return string(c.id)
}

// Recipients returns the number of recipients.
func (c *Channel) Recipients() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.recipients)
}

// NthRecipient returns the i-th recipient, or nil if i is out of range.
func (c *Channel) NthRecipient(i int) *Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i < 0 || i >= len(c.recipients) {
		return nil
	}
	return c.recipients[i]
}

// HasRecipient reports whether an account equal to a is a recipient.
func (c *Channel) HasRecipient(a *Account) bool {
	if a == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.recipients {
		if AccountsEqual(r, a) {
			return true
		}
	}
	return false
}

// AddRecipient appends a to the recipient list and takes a reference to
// it. It does not check for duplicates; callers that need set semantics
// check HasRecipient first.
func (c *Channel) AddRecipient(a *Account) {
	if a == nil {
		return
	}
	a.Ref()
	c.mu.Lock()
	c.recipients = append(c.recipients, a)
	c.mu.Unlock()
}

// AddMessages merges a batch into the store. Messages whose id is already
// cached are skipped. The store is re-sorted after the batch and the
// channel is marked unread if anything was added. It returns the number of
// messages added.
func (c *Channel) AddMessages(batch ...*Message) int {
	if len(batch) == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, m := range batch {
		if m == nil || m.id == "" {
			continue
		}
		if _, ok := c.byID[m.id]; ok {
			continue
		}
		m.Ref()
		c.byID[m.id] = m
		c.messages = append(c.messages, m)
		added++
	}
	if added == 0 {
		return 0
	}

	slices.SortStableFunc(c.messages, CompareMessages)
	c.unread = true

	// Malformed ids sort last and never become the channel's last message.
	for i := len(c.messages) - 1; i >= 0; i-- {
		last := c.messages[i].id
		if !isDecimal(string(last)) {
			continue
		}
		if c.lastMessageID == nil || Compare(Snowflake(*c.lastMessageID), last) < 0 {
			s := string(last)
			c.lastMessageID = &s
		}
		break
	}
	return added
}

// Messages returns the number of cached messages.
func (c *Channel) Messages() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// NthMessage returns the i-th message in chronological order, or nil if i
// is out of range.
func (c *Channel) NthMessage(i int) *Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i < 0 || i >= len(c.messages) {
		return nil
	}
	return c.messages[i]
}

// MessageList returns a snapshot of the cached messages in chronological
// order.
func (c *Channel) MessageList() []*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.messages)
}

// Message looks a cached message up by id.
func (c *Channel) Message(id Snowflake) (*Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byID[id]
	return m, ok
}

// OldestMessageID returns the id of the earliest cached message.
func (c *Channel) OldestMessageID() (Snowflake, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.messages) == 0 {
		return "", false
	}
	return c.messages[0].id, true
}

// HasNewMessages reports whether messages were added since the last
// MarkRead.
func (c *Channel) HasNewMessages() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unread
}

// MarkRead clears the unread flag.
func (c *Channel) MarkRead() {
	c.mu.Lock()
	c.unread = false
	c.mu.Unlock()
}

// Equal reports whether a and b are the same channel. Channels without an
// id are never equal, not even to themselves.
func Equal(a, b *Channel) bool {
	if a == nil || b == nil {
		return false
	}
	if a.id == "" || b.id == "" {
		return false
	}
	return a.id == b.id
}

// Update copies the metadata of src into c, keeping c's messages. Fields
// that are unset in src are left alone; recipients are replaced only if
// src has any.
func (c *Channel) Update(src *Channel) {
	if src == nil || src == c || !Equal(c, src) {
		return
	}

	src.mu.RLock()
	typ, nsfw := src.typ, src.nsfw
	fields := [...]*string{src.guildID, src.name, src.lastMessageID, src.ownerID, src.parentID, src.applicationID}
	position := src.position
	recipients := slices.Clone(src.recipients)
	for _, a := range recipients {
		a.Ref()
	}
	src.mu.RUnlock()

	c.mu.Lock()
	c.typ = typ
	c.nsfw = nsfw
	for i, dst := range [...]**string{&c.guildID, &c.name, &c.lastMessageID, &c.ownerID, &c.parentID, &c.applicationID} {
		if fields[i] != nil {
			v := *fields[i]
			*dst = &v
		}
	}
	if position != nil {
		p := *position
		c.position = &p
	}
	var old []*Account
	if len(recipients) > 0 {
		old = c.recipients
		c.recipients = recipients
		recipients = nil
	}
	c.mu.Unlock()

	for _, a := range old {
		a.Unref()
	}
	for _, a := range recipients {
		a.Unref()
	}
}
