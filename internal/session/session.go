// Package session keeps the state of one logged-in account: its channels
// and guilds, merged from REST backfill and gateway events.
//
// Channels handed out by a Session are borrowed from its cache. A
// CHANNEL_DELETE event or Close drops the cache's reference, so a caller
// that keeps a channel past the current loop step must Ref it and Unref
// it when done.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/eachlabs/ncdc/internal/api"
	"github.com/eachlabs/ncdc/internal/channel"
	"github.com/eachlabs/ncdc/internal/gateway"
	"github.com/eachlabs/ncdc/internal/loop"
	"github.com/sahilm/fuzzy"
	"github.com/tidwall/gjson"
)

// ErrNotLoggedIn is returned by operations that need a token.
var ErrNotLoggedIn = errors.New("not logged in")

// Config holds session settings.
type Config struct {
	API  *api.Client
	Loop *loop.Loop

	// GatewayURL overrides the URL returned by the API.
	GatewayURL     string
	ReconnectDelay time.Duration

	// StateDir is where read markers are kept. Empty disables persistence.
	StateDir string

	Logger *slog.Logger
}

// Session is one account's view of the service.
type Session struct {
	api    *api.Client
	loop   *loop.Loop
	cfg    Config
	logger *slog.Logger
	store  *Store

	mu       sync.RWMutex
	self     *channel.Account
	channels map[channel.Snowflake]*channel.Channel
	guilds   []*channel.Guild
	gw       *gateway.Gateway
	subs     []chan struct{}
}

// New creates a session on top of an API client and loop.
func New(cfg Config) (*Session, error) {
	if cfg.API == nil {
		return nil, errors.New("session: api client is required")
	}
	if cfg.Loop == nil {
		return nil, errors.New("session: loop is required")
	}

	s := &Session{
		api:      cfg.API,
		loop:     cfg.Loop,
		cfg:      cfg,
		logger:   cfg.Logger,
		channels: make(map[channel.Snowflake]*channel.Channel),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.StateDir != "" {
		s.store = NewStore(cfg.StateDir)
	}
	return s, nil
}

// Token returns the authentication token.
func (s *Session) Token() string { return s.api.Token() }

// SetToken sets the authentication token.
func (s *Session) SetToken(token string) { s.api.SetToken(token) }

// LoggedIn reports whether the session has a token.
func (s *Session) LoggedIn() bool { return s.api.Token() != "" }

// Self returns the logged-in account, once known.
func (s *Session) Self() *channel.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// Login exchanges credentials for a token and fetches the account.
func (s *Session) Login(ctx context.Context, email, password string) error {
	if _, err := s.api.Login(ctx, email, password); err != nil {
		return err
	}
	return s.Identify(ctx)
}

// Identify fetches the account the current token belongs to.
func (s *Session) Identify(ctx context.Context) error {
	if !s.LoggedIn() {
		return ErrNotLoggedIn
	}
	a, err := s.api.Self(ctx)
	if err != nil {
		return fmt.Errorf("fetching account: %w", err)
	}
	s.setSelf(a)
	a.Unref()
	return nil
}

func (s *Session) setSelf(a *channel.Account) {
	a.Ref()
	s.mu.Lock()
	old := s.self
	s.self = a
	s.mu.Unlock()
	if old != nil {
		old.Unref()
	}

	if s.store != nil {
		if _, err := s.store.Load(string(a.ID())); err != nil {
			s.logger.Warn("loading session state", "error", err)
		}
	}
}

// Connect opens the gateway and registers it with the loop.
func (s *Session) Connect(ctx context.Context) error {
	if !s.LoggedIn() {
		return ErrNotLoggedIn
	}

	s.mu.Lock()
	connected := s.gw != nil
	s.mu.Unlock()
	if connected {
		return nil
	}

	url := s.cfg.GatewayURL
	if url == "" {
		var err error
		if url, err = s.api.GatewayURL(ctx); err != nil {
			return fmt.Errorf("resolving gateway: %w", err)
		}
	}

	gw, err := gateway.New(gateway.Config{
		URL:            url,
		Token:          s.Token(),
		Handler:        s.HandleEvent,
		ReconnectDelay: s.cfg.ReconnectDelay,
		Logger:         s.logger,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.gw != nil {
		s.mu.Unlock()
		gw.Unref()
		return nil
	}
	s.gw = gw
	s.mu.Unlock()

	s.loop.AddGateway(gw)
	return nil
}

// Disconnect closes the gateway.
func (s *Session) Disconnect() {
	s.mu.Lock()
	gw := s.gw
	s.gw = nil
	s.mu.Unlock()

	if gw == nil {
		return
	}
	s.loop.RemoveGateway(gw)
	gw.Close()
	gw.Unref()
}

// GatewayState returns the state of the gateway connection.
func (s *Session) GatewayState() gateway.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.gw == nil {
		return gateway.Disconnected
	}
	return s.gw.State()
}

// HandleEvent merges a gateway dispatch into the cache.
func (s *Session) HandleEvent(e gateway.Event) {
	switch e.Type {
	case "READY":
		s.handleReady(e.Data)

	case "CHANNEL_CREATE", "CHANNEL_UPDATE":
		c, err := channel.Parse(e.Data)
		if err != nil {
			s.logger.Debug("bad channel in event", "event", e.Type, "error", err)
			return
		}
		s.addChannel(c)
		c.Unref()

	case "CHANNEL_DELETE":
		id := channel.Snowflake(gjson.GetBytes(e.Data, "id").String())
		s.mu.Lock()
		c, ok := s.channels[id]
		delete(s.channels, id)
		s.mu.Unlock()
		if ok {
			c.Unref()
		}

	case "GUILD_CREATE":
		g, err := channel.ParseGuild(e.Data)
		if err != nil {
			s.logger.Debug("bad guild in event", "error", err)
			return
		}
		s.addGuild(g)
		g.Unref()

	case "MESSAGE_CREATE":
		m, err := channel.ParseMessage(e.Data)
		if err != nil {
			s.logger.Debug("bad message in event", "error", err)
			return
		}
		defer m.Unref()

		guildID := gjson.GetBytes(e.Data, "guild_id").String()
		c := s.channelFor(m.ChannelID(), guildID)
		if c == nil {
			return
		}
		c.AddMessages(m)

	default:
		s.logger.Debug("unhandled event", "event", e.Type)
		return
	}

	s.notify()
}

func (s *Session) handleReady(data []byte) {
	r := gjson.ParseBytes(data)

	if u := r.Get("user"); u.Exists() {
		if a, err := channel.ParseAccount([]byte(u.Raw)); err == nil {
			s.setSelf(a)
			a.Unref()
		}
	}

	r.Get("private_channels").ForEach(func(_, v gjson.Result) bool {
		if c, err := channel.Parse([]byte(v.Raw)); err == nil {
			s.addChannel(c)
			c.Unref()
		}
		return true
	})
	r.Get("guilds").ForEach(func(_, v gjson.Result) bool {
		if g, err := channel.ParseGuild([]byte(v.Raw)); err == nil {
			s.addGuild(g)
			g.Unref()
		}
		return true
	})
}

// channelFor returns the cached channel with id, creating a placeholder
// for channels the session has not seen yet.
func (s *Session) channelFor(id channel.Snowflake, guildID string) *channel.Channel {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.channels[id]; ok {
		return c
	}
	typ := channel.DM
	if guildID != "" {
		typ = channel.GuildText
	}
	c, err := channel.New(id, typ)
	if err != nil {
		return nil
	}
	if guildID != "" {
		c.SetGuildID(channel.Snowflake(guildID))
	}
	s.channels[id] = c
	return c
}

// addChannel merges c into the cache. The cache keeps its own reference.
func (s *Session) addChannel(c *channel.Channel) *channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.channels[c.ID()]; ok {
		cur.Update(c)
		return cur
	}
	c.Ref()
	s.channels[c.ID()] = c
	return c
}

func (s *Session) addGuild(g *channel.Guild) {
	for _, c := range g.Channels() {
		if cached := s.addChannel(c); cached != c {
			g.AddChannel(cached)
		}
	}

	g.Ref()
	s.mu.Lock()
	var old *channel.Guild
	if i := slices.IndexFunc(s.guilds, func(x *channel.Guild) bool { return x.ID() == g.ID() }); i >= 0 {
		old = s.guilds[i]
		s.guilds[i] = g
	} else {
		s.guilds = append(s.guilds, g)
	}
	s.mu.Unlock()

	if old != nil {
		old.Unref()
	}
}

// LoadChannels fetches DMs, guilds and guild channels over REST.
func (s *Session) LoadChannels(ctx context.Context) error {
	if !s.LoggedIn() {
		return ErrNotLoggedIn
	}

	dms, err := s.api.PrivateChannels(ctx)
	if err != nil {
		return fmt.Errorf("loading private channels: %w", err)
	}
	for _, c := range dms {
		s.addChannel(c)
		c.Unref()
	}

	guilds, err := s.api.Guilds(ctx)
	if err != nil {
		return fmt.Errorf("loading guilds: %w", err)
	}
	for _, g := range guilds {
		chans, err := s.api.GuildChannels(ctx, g.ID())
		if err != nil {
			s.logger.Warn("loading guild channels", "guild", g.Name(), "error", err)
		}
		for _, c := range chans {
			if c.GuildID() == "" {
				c.SetGuildID(g.ID())
			}
			g.AddChannel(c)
			c.Unref()
		}
		s.addGuild(g)
		g.Unref()
	}

	s.notify()
	return nil
}

// LoadMessages backfills up to limit messages older than the oldest cached
// one and returns how many were new.
func (s *Session) LoadMessages(ctx context.Context, c *channel.Channel, limit int) (int, error) {
	if c == nil {
		return 0, errors.New("no channel")
	}
	opts := api.MessagesOptions{Limit: limit}
	if oldest, ok := c.OldestMessageID(); ok {
		opts.Before = oldest
	}

	ms, err := s.api.Messages(ctx, c.ID(), opts)
	if err != nil {
		return 0, fmt.Errorf("loading messages for %s: %w", c.ID(), err)
	}
	n := c.AddMessages(ms...)
	for _, m := range ms {
		m.Unref()
	}

	if n > 0 {
		s.notify()
	}
	return n, nil
}

// SendMessage posts content to c. The stored message is merged into the
// cache right away; the gateway echo is deduplicated by id.
func (s *Session) SendMessage(ctx context.Context, c *channel.Channel, content string) error {
	content = strings.TrimSpace(content)
	if c == nil || content == "" {
		return nil
	}

	m, err := s.api.PostMessage(ctx, c.ID(), content)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	c.AddMessages(m)
	m.Unref()

	// Own messages do not count as unread.
	s.MarkRead(c)
	s.notify()
	return nil
}

// FetchChannel returns the channel with id, asking the API when it is
// not cached yet.
func (s *Session) FetchChannel(ctx context.Context, id channel.Snowflake) (*channel.Channel, error) {
	if c, ok := s.Channel(id); ok {
		return c, nil
	}
	if !s.LoggedIn() {
		return nil, ErrNotLoggedIn
	}

	c, err := s.api.Channel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching channel %s: %w", id, err)
	}
	cached := s.addChannel(c)
	c.Unref()
	s.notify()
	return cached, nil
}

// Channel looks a cached channel up by id. The channel is borrowed.
func (s *Session) Channel(id channel.Snowflake) (*channel.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[id]
	return c, ok
}

// Guilds returns the cached guilds.
func (s *Session) Guilds() []*channel.Guild {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.guilds)
}

// Channels returns the channels that can hold messages: DMs first, most
// recently active first, then guild channels by name. The channels are
// borrowed.
func (s *Session) Channels() []*channel.Channel {
	s.mu.RLock()
	out := make([]*channel.Channel, 0, len(s.channels))
	for _, c := range s.channels {
		switch c.Type() {
		case channel.GuildCategory, channel.GuildVoice, channel.GuildStore:
			continue
		}
		out = append(out, c)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *channel.Channel) int {
		ad, bd := a.IsDM(), b.IsDM()
		switch {
		case ad && !bd:
			return -1
		case !ad && bd:
			return 1
		case ad && bd:
			if n := channel.Compare(b.LastMessageID(), a.LastMessageID()); n != 0 {
				return n
			}
		default:
			if n := cmp.Compare(a.Name(), b.Name()); n != 0 {
				return n
			}
		}
		return channel.Compare(a.ID(), b.ID())
	})
	return out
}

type channelNames []*channel.Channel

func (c channelNames) String(i int) string { return c[i].DisplayName() }
func (c channelNames) Len() int            { return len(c) }

// FindChannels returns the channels whose display name fuzzily matches
// query, best match first. The channels are borrowed.
func (s *Session) FindChannels(query string) []*channel.Channel {
	all := s.Channels()
	if query == "" {
		return all
	}

	matches := fuzzy.FindFrom(query, channelNames(all))
	out := make([]*channel.Channel, 0, len(matches))
	for _, m := range matches {
		out = append(out, all[m.Index])
	}
	return out
}

// Unread reports whether c has messages the user has not seen: either
// messages added since the last MarkRead, or a last message newer than
// the saved read marker.
func (s *Session) Unread(c *channel.Channel) bool {
	if c.HasNewMessages() {
		return true
	}
	if s.store == nil {
		return false
	}
	marker := s.store.ReadMarker(c.ID())
	last := c.LastMessageID()
	return marker != "" && last != "" && channel.Compare(last, marker) > 0
}

// MarkRead clears the unread state of c and moves its read marker.
func (s *Session) MarkRead(c *channel.Channel) {
	c.MarkRead()
	if s.store == nil {
		return
	}
	s.store.MarkRead(c.ID(), c.LastMessageID())
	if err := s.store.Save(); err != nil {
		s.logger.Warn("saving session state", "error", err)
	}
}

// SetLastChannel remembers the open channel across runs.
func (s *Session) SetLastChannel(c *channel.Channel) {
	if s.store == nil || c == nil {
		return
	}
	s.store.SetLastChannel(c.ID())
}

// LastChannel returns the channel that was open in the previous run. The
// channel is borrowed.
func (s *Session) LastChannel() (*channel.Channel, bool) {
	if s.store == nil {
		return nil, false
	}
	return s.Channel(s.store.LastChannel())
}

// Forget deletes the saved state of the logged-in account.
func (s *Session) Forget() error {
	self := s.Self()
	if s.store == nil || self == nil {
		return nil
	}
	return s.store.Delete(string(self.ID()))
}

// Subscribe returns a channel that receives after the cache changes.
// Notifications coalesce; a slow reader sees one pending signal.
func (s *Session) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Session) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close disconnects, saves state and releases the cache.
func (s *Session) Close() {
	s.Disconnect()

	if s.store != nil {
		if err := s.store.ForceSave(); err != nil {
			s.logger.Warn("saving session state", "error", err)
		}
	}

	s.mu.Lock()
	channels := s.channels
	guilds := s.guilds
	self := s.self
	s.channels = make(map[channel.Snowflake]*channel.Channel)
	s.guilds = nil
	s.self = nil
	s.mu.Unlock()

	for _, c := range channels {
		c.Unref()
	}
	for _, g := range guilds {
		g.Unref()
	}
	if self != nil {
		self.Unref()
	}
}
