package channel

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/eachlabs/ncdc/internal/ref"
	"github.com/tidwall/gjson"
)

// Guild is a server: a named group of channels.
type Guild struct {
	ref.Refable

	id   Snowflake
	name string

	mu       sync.RWMutex
	channels []*Channel
}

// NewGuild creates an empty guild.
func NewGuild(id Snowflake, name string) *Guild {
	g := &Guild{id: id, name: name}
	g.Init(g.release)
	return g
}

// ParseGuild decodes a guild object and the channels embedded in it.
// Channels that fail to parse are skipped.
func ParseGuild(data []byte) (*Guild, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parsing guild: %w", ErrNotObject)
	}
	return guildFromResult(gjson.ParseBytes(data))
}

func guildFromResult(r gjson.Result) (*Guild, error) {
	if !r.IsObject() {
		return nil, fmt.Errorf("parsing guild: %w", ErrNotObject)
	}
	id := r.Get("id")
	if id.Type != gjson.String || id.Str == "" {
		return nil, fmt.Errorf("parsing guild: %w", ErrMissingID)
	}

	g := NewGuild(Snowflake(id.Str), r.Get("name").String())
	r.Get("channels").ForEach(func(_, v gjson.Result) bool {
		c, err := channelFromResult(v)
		if err != nil {
			return true
		}
		if c.GuildID() == "" {
			c.SetGuildID(g.id)
		}
		g.AddChannel(c)
		c.Unref()
		return true
	})
	return g, nil
}

// ParseGuilds decodes an array of guild objects.
func ParseGuilds(data []byte) ([]*Guild, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parsing guilds: invalid json")
	}
	r := gjson.ParseBytes(data)
	if !r.IsArray() {
		return nil, fmt.Errorf("parsing guilds: not an array")
	}

	var out []*Guild
	r.ForEach(func(_, v gjson.Result) bool {
		if g, err := guildFromResult(v); err == nil {
			out = append(out, g)
		}
		return true
	})
	return out, nil
}

func (g *Guild) release() {
	g.mu.Lock()
	channels := g.channels
	g.channels = nil
	g.mu.Unlock()

	for _, c := range channels {
		c.Unref()
	}
}

// ID returns the guild id.
func (g *Guild) ID() Snowflake { return g.id }

// Name returns the guild name.
func (g *Guild) Name() string { return g.name }

// AddChannel adds c to the guild, replacing a channel with the same id.
// The guild takes its own reference.
func (g *Guild) AddChannel(c *Channel) {
	if c == nil {
		return
	}
	c.Ref()

	g.mu.Lock()
	var old *Channel
	if i := slices.IndexFunc(g.channels, func(x *Channel) bool { return Equal(x, c) }); i >= 0 {
		old = g.channels[i]
		g.channels[i] = c
	} else {
		g.channels = append(g.channels, c)
	}
	slices.SortStableFunc(g.channels, compareByPosition)
	g.mu.Unlock()

	if old != nil {
		old.Unref()
	}
}

// Channels returns the guild's channels ordered by position, then name.
func (g *Guild) Channels() []*Channel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.channels)
}

func compareByPosition(a, b *Channel) int {
	pa, _ := a.Position()
	pb, _ := b.Position()
	if pa != pb {
		return pa - pb
	}
	return strings.Compare(a.Name(), b.Name())
}
