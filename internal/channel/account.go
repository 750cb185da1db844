package channel

import (
	"encoding/json"
	"fmt"

	"github.com/eachlabs/ncdc/internal/ref"
	"github.com/tidwall/gjson"
)

// Account is a user of the chat service.
type Account struct {
	ref.Refable

	id            Snowflake
	username      string
	discriminator string
	globalName    *string
	bot           bool
}

// NewAccount creates an account. The caller owns the returned reference.
func NewAccount(id Snowflake, username, discriminator string) *Account {
	a := &Account{id: id, username: username, discriminator: discriminator}
	a.Init(nil)
	return a
}

// ParseAccount decodes an account object. id and username are required.
func ParseAccount(data []byte) (*Account, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("parsing account: %w", ErrNotObject)
	}
	return accountFromResult(gjson.ParseBytes(data))
}

func accountFromResult(r gjson.Result) (*Account, error) {
	if !r.IsObject() {
		return nil, fmt.Errorf("parsing account: %w", ErrNotObject)
	}

	id := r.Get("id")
	if id.Type != gjson.String || id.Str == "" {
		return nil, fmt.Errorf("parsing account: %w", ErrMissingID)
	}
	name := r.Get("username")
	if name.Type != gjson.String {
		return nil, fmt.Errorf("parsing account %s: %w", id.Str, ErrMissingUsername)
	}

	a := NewAccount(Snowflake(id.Str), name.Str, r.Get("discriminator").String())
	if g := r.Get("global_name"); g.Type == gjson.String {
		a.globalName = &g.Str
	}
	a.bot = r.Get("bot").Bool()
	return a, nil
}

// ID returns the account id.
func (a *Account) ID() Snowflake { return a.id }

// Username returns the login name.
func (a *Account) Username() string { return a.username }

// Discriminator returns the legacy four digit tag, if any.
func (a *Account) Discriminator() string { return a.discriminator }

// Bot reports whether the account is a bot.
func (a *Account) Bot() bool { return a.bot }

// FullName returns username#discriminator, or just the username for
// accounts without a discriminator.
func (a *Account) FullName() string {
	if a.discriminator == "" || a.discriminator == "0" {
		return a.username
	}
	return a.username + "#" + a.discriminator
}

// DisplayName prefers the global display name over the username.
func (a *Account) DisplayName() string {
	if a.globalName != nil && *a.globalName != "" {
		return *a.globalName
	}
	return a.username
}

// SetGlobalName sets the display name.
func (a *Account) SetGlobalName(name string) { a.globalName = &name }

// AccountsEqual compares by id when both accounts have one and by full name
// otherwise.
func AccountsEqual(a, b *Account) bool {
	if a == nil || b == nil {
		return false
	}
	if a.id != "" && b.id != "" {
		return a.id == b.id
	}
	return a.FullName() == b.FullName()
}

type wireAccount struct {
	ID            Snowflake `json:"id"`
	Username      string    `json:"username"`
	Discriminator string    `json:"discriminator,omitempty"`
	GlobalName    *string   `json:"global_name,omitempty"`
	Bot           bool      `json:"bot,omitempty"`
}

// MarshalJSON encodes the account in wire form.
func (a *Account) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireAccount{
		ID:            a.id,
		Username:      a.username,
		Discriminator: a.discriminator,
		GlobalName:    a.globalName,
		Bot:           a.bot,
	})
}
