package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/eachlabs/ncdc/internal/channel"
	"github.com/google/uuid"
)

// Login exchanges credentials for a token and installs it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	req := struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{email, password}

	var resp struct {
		Token string `json:"token"`
		MFA   bool   `json:"mfa"`
	}
	if err := c.Call(ctx, http.MethodPost, "/auth/login", req, &resp); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if resp.MFA && resp.Token == "" {
		return "", errors.New("login: account requires multi-factor authentication, use a token instead")
	}
	if resp.Token == "" {
		return "", errors.New("login: no token in response")
	}

	c.SetToken(resp.Token)
	return resp.Token, nil
}

// Self returns the account the token belongs to.
func (c *Client) Self(ctx context.Context) (*channel.Account, error) {
	data, err := c.fetch(ctx, http.MethodGet, "/users/@me", nil)
	if err != nil {
		return nil, err
	}
	return channel.ParseAccount(data)
}

// PrivateChannels returns the DM and group DM channels of the account.
func (c *Client) PrivateChannels(ctx context.Context) ([]*channel.Channel, error) {
	data, err := c.fetch(ctx, http.MethodGet, "/users/@me/channels", nil)
	if err != nil {
		return nil, err
	}
	return channel.ParseList(data)
}

// Guilds returns the guilds the account is a member of. The guilds carry
// no channels; use GuildChannels for those.
func (c *Client) Guilds(ctx context.Context) ([]*channel.Guild, error) {
	data, err := c.fetch(ctx, http.MethodGet, "/users/@me/guilds", nil)
	if err != nil {
		return nil, err
	}
	return channel.ParseGuilds(data)
}

// GuildChannels returns the channels of a guild.
func (c *Client) GuildChannels(ctx context.Context, guildID channel.Snowflake) ([]*channel.Channel, error) {
	data, err := c.fetch(ctx, http.MethodGet, "/guilds/"+url.PathEscape(string(guildID))+"/channels", nil)
	if err != nil {
		return nil, err
	}
	return channel.ParseList(data)
}

// Channel fetches a single channel.
func (c *Client) Channel(ctx context.Context, id channel.Snowflake) (*channel.Channel, error) {
	data, err := c.fetch(ctx, http.MethodGet, "/channels/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return nil, err
	}
	return channel.Parse(data)
}

// MessagesOptions selects a page of channel history.
type MessagesOptions struct {
	Limit  int
	Before channel.Snowflake
	After  channel.Snowflake
}

func (o MessagesOptions) query() string {
	v := url.Values{}
	if o.Limit > 0 {
		if o.Limit > 100 {
			o.Limit = 100
		}
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Before != "" {
		v.Set("before", string(o.Before))
	}
	if o.After != "" {
		v.Set("after", string(o.After))
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// Messages fetches a page of history for a channel. The service returns
// newest first; callers merge the result with Channel.AddMessages, which
// puts it in order.
func (c *Client) Messages(ctx context.Context, channelID channel.Snowflake, opts MessagesOptions) ([]*channel.Message, error) {
	path := "/channels/" + url.PathEscape(string(channelID)) + "/messages" + opts.query()
	data, err := c.fetch(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return channel.ParseMessages(data)
}

// PostMessage sends a text message to a channel and returns the message
// as stored by the service.
func (c *Client) PostMessage(ctx context.Context, channelID channel.Snowflake, content string) (*channel.Message, error) {
	req := struct {
		Content string `json:"content"`
		Nonce   string `json:"nonce"`
	}{
		Content: content,
		Nonce:   newNonce(),
	}

	data, err := c.fetch(ctx, http.MethodPost, "/channels/"+url.PathEscape(string(channelID))+"/messages", req)
	if err != nil {
		return nil, err
	}
	return channel.ParseMessage(data)
}

// GatewayURL returns the websocket URL of the push gateway.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.Call(ctx, http.MethodGet, "/gateway", nil, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", errors.New("gateway: empty url in response")
	}
	return resp.URL, nil
}

// newNonce returns a random client nonce. The service caps nonces at 25
// characters.
func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:25]
}
