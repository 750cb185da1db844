package channel

import (
	"encoding/json"
	"errors"
	"math/rand"
	"slices"
	"strconv"
	"testing"
)

func msgs(ids ...string) []*Message {
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, NewMessage(Snowflake(id), "c", nil, "m"+id))
	}
	return out
}

func order(c *Channel) []string {
	var ids []string
	for _, m := range c.MessageList() {
		ids = append(ids, string(m.ID()))
	}
	return ids
}

// checkStore verifies that the id index and the ordered slice agree.
func checkStore(t *testing.T, c *Channel) {
	t.Helper()
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.byID) != len(c.messages) {
		t.Fatalf("index has %d entries, ordered store has %d", len(c.byID), len(c.messages))
	}
	seen := make(map[Snowflake]bool)
	for i, m := range c.messages {
		if seen[m.id] {
			t.Fatalf("duplicate id %s in ordered store", m.id)
		}
		seen[m.id] = true
		if c.byID[m.id] != m {
			t.Fatalf("index entry for %s does not match ordered store", m.id)
		}
		if i > 0 && CompareMessages(c.messages[i-1], m) > 0 {
			t.Fatalf("store not sorted at %d: %s > %s", i, c.messages[i-1].id, m.id)
		}
	}
}

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	c, err := New("100", GuildText)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestAddMessages_Scenario(t *testing.T) {
	c := newTestChannel(t)

	if n := c.AddMessages(msgs("3", "1", "2")...); n != 3 {
		t.Errorf("added %d, want 3", n)
	}
	checkStore(t, c)
	if got := order(c); !slices.Equal(got, []string{"1", "2", "3"}) {
		t.Errorf("order = %v, want [1 2 3]", got)
	}
	if !c.HasNewMessages() {
		t.Error("HasNewMessages() = false after insert")
	}

	c.MarkRead()
	if c.HasNewMessages() {
		t.Error("HasNewMessages() = true after MarkRead")
	}

	if n := c.AddMessages(msgs("2", "4")...); n != 1 {
		t.Errorf("added %d, want 1", n)
	}
	checkStore(t, c)
	if got := order(c); !slices.Equal(got, []string{"1", "2", "3", "4"}) {
		t.Errorf("order = %v, want [1 2 3 4]", got)
	}
	if !c.HasNewMessages() {
		t.Error("HasNewMessages() = false after adding a new id")
	}
}

func TestAddMessages_DirtyFlag(t *testing.T) {
	tests := []struct {
		name      string
		first     []string
		second    []string
		wantDirty bool
	}{
		{"all duplicates", []string{"1", "2"}, []string{"2", "1"}, false},
		{"one new id", []string{"1", "2"}, []string{"2", "3"}, true},
		{"empty batch", []string{"1"}, nil, false},
		{"duplicates within batch", []string{"1"}, []string{"5", "5"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestChannel(t)
			c.AddMessages(msgs(tt.first...)...)
			c.MarkRead()

			c.AddMessages(msgs(tt.second...)...)
			checkStore(t, c)
			if got := c.HasNewMessages(); got != tt.wantDirty {
				t.Errorf("HasNewMessages() = %v, want %v", got, tt.wantDirty)
			}
		})
	}
}

func TestAddMessages_OrderIndependent(t *testing.T) {
	ids := []string{"9", "10", "11", "100", "175928847299117063", "175928847299117064", "2", "99"}
	want := []string{"2", "9", "10", "11", "99", "100", "175928847299117063", "175928847299117064"}

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		shuffled := slices.Clone(ids)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		c := newTestChannel(t)
		// Split into random batches, with some ids repeated.
		for len(shuffled) > 0 {
			n := 1 + rng.Intn(len(shuffled))
			batch := shuffled[:n]
			shuffled = shuffled[n:]
			c.AddMessages(msgs(batch...)...)
			c.AddMessages(msgs(batch[0])...)
			checkStore(t, c)
		}

		if got := order(c); !slices.Equal(got, want) {
			t.Fatalf("trial %d: order = %v, want %v", trial, got, want)
		}
	}
}

func TestAddMessages_UpdatesLastMessageID(t *testing.T) {
	c := newTestChannel(t)
	c.AddMessages(msgs("5", "12")...)
	if c.LastMessageID() != "12" {
		t.Errorf("LastMessageID() = %q, want 12", c.LastMessageID())
	}
	c.AddMessages(msgs("7")...)
	if c.LastMessageID() != "12" {
		t.Errorf("LastMessageID() = %q after older message, want 12", c.LastMessageID())
	}
}

func TestAddMessages_References(t *testing.T) {
	c := newTestChannel(t)
	m := NewMessage("1", "100", nil, "hi")

	c.AddMessages(m, m)
	if m.Refs() != 2 {
		t.Errorf("message refs = %d, want 2 (caller + store)", m.Refs())
	}

	c.Unref()
	if m.Refs() != 1 {
		t.Errorf("message refs = %d after channel release, want 1", m.Refs())
	}
	if c.Messages() != 0 {
		t.Errorf("released channel still holds %d messages", c.Messages())
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"array", `[1,2]`, ErrNotObject},
		{"invalid json", `{"id":`, ErrNotObject},
		{"missing id", `{"type":1}`, ErrMissingID},
		{"numeric id", `{"id":123,"type":1}`, ErrMissingID},
		{"missing type", `{"id":"123"}`, ErrMissingType},
		{"string type", `{"id":"123","type":"1"}`, ErrMissingType},
		{"float type", `{"id":"123","type":1.5}`, ErrMissingType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse([]byte(tt.payload))
			if c != nil {
				t.Error("Parse returned a channel on failure")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParse_MinimalRoundTrip(t *testing.T) {
	c, err := Parse([]byte(`{"id":"123","type":1}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != `{"id":"123","type":1,"nsfw":false}` {
		t.Errorf("got %s", out)
	}
}

func TestParse_FullRoundTrip(t *testing.T) {
	payload := `{
		"id": "41771983423143937",
		"type": 3,
		"guild_id": "41771983423143936",
		"name": "friends",
		"nsfw": true,
		"last_message_id": "155117677105512449",
		"owner_id": "82198898841029460",
		"parent_id": "399942396007890945",
		"application_id": "5",
		"recipients": [
			{"id": "82198898841029460", "username": "alice", "discriminator": "1234"},
			{"id": "82198810841029460", "username": "bob", "discriminator": "0001", "global_name": "Bobby"}
		]
	}`

	c, err := Parse([]byte(payload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	again, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse(round trip): %v", err)
	}

	checks := []struct {
		field     string
		got, want any
	}{
		{"id", again.ID(), c.ID()},
		{"type", again.Type(), GroupDM},
		{"guild_id", again.GuildID(), Snowflake("41771983423143936")},
		{"name", again.Name(), "friends"},
		{"nsfw", again.NSFW(), true},
		{"last_message_id", again.LastMessageID(), Snowflake("155117677105512449")},
		{"owner_id", again.OwnerID(), Snowflake("82198898841029460")},
		{"parent_id", again.ParentID(), Snowflake("399942396007890945")},
		{"application_id", again.ApplicationID(), Snowflake("5")},
		{"recipients", again.Recipients(), 2},
		{"recipient 0", again.NthRecipient(0).FullName(), "alice#1234"},
		{"recipient 1", again.NthRecipient(1).DisplayName(), "Bobby"},
	}
	for _, ck := range checks {
		if ck.got != ck.want {
			t.Errorf("%s = %v, want %v", ck.field, ck.got, ck.want)
		}
	}

	out2, _ := json.Marshal(again)
	if string(out) != string(out2) {
		t.Errorf("second round trip differs:\n%s\n%s", out, out2)
	}
	if !again.IsDM() {
		t.Error("group DM not classified as DM")
	}
}

func TestParse_SkipsBadRecipients(t *testing.T) {
	c, err := Parse([]byte(`{"id":"1","type":1,"recipients":[{"id":"2","username":"a"},{"username":"b"},42]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Recipients() != 1 {
		t.Errorf("Recipients() = %d, want 1", c.Recipients())
	}
}

func TestRecipients_Duplicates(t *testing.T) {
	c := newTestChannel(t)
	a := NewAccount("7", "alice", "0001")

	c.AddRecipient(a)
	c.AddRecipient(a)

	// Duplicates are kept; callers wanting set semantics use HasRecipient.
	if c.Recipients() != 2 {
		t.Errorf("Recipients() = %d, want 2", c.Recipients())
	}
	if !c.HasRecipient(NewAccount("7", "renamed", "")) {
		t.Error("HasRecipient does not match by id")
	}
	if !c.HasRecipient(NewAccount("", "alice", "0001")) {
		t.Error("HasRecipient does not fall back to full name")
	}
	if c.HasRecipient(NewAccount("8", "bob", "0001")) {
		t.Error("HasRecipient matched a stranger")
	}
	if c.NthRecipient(2) != nil || c.NthRecipient(-1) != nil {
		t.Error("NthRecipient out of range returned an account")
	}
	if a.Refs() != 3 {
		t.Errorf("account refs = %d, want 3", a.Refs())
	}
}

func TestEqual(t *testing.T) {
	a, _ := New("1", DM)
	b, _ := Parse([]byte(`{"id":"1","type":0}`))
	c, _ := New("2", DM)

	if !Equal(a, b) {
		t.Error("channels with the same id not equal")
	}
	if Equal(a, c) {
		t.Error("channels with different ids equal")
	}
	var empty Channel
	if Equal(&empty, &empty) {
		t.Error("channel without id equal to itself")
	}
	if Equal(a, nil) {
		t.Error("channel equal to nil")
	}
}

func TestNew_RequiresID(t *testing.T) {
	if _, err := New("", DM); !errors.Is(err, ErrMissingID) {
		t.Errorf("err = %v, want ErrMissingID", err)
	}
}

func TestDisplayName(t *testing.T) {
	text, _ := Parse([]byte(`{"id":"1","type":0,"name":"general"}`))
	dm, _ := Parse([]byte(`{"id":"2","type":1,"recipients":[{"id":"3","username":"alice"},{"id":"4","username":"bob","global_name":"Bob"}]}`))
	bare, _ := New("5", GroupDM)

	tests := []struct {
		c    *Channel
		want string
	}{
		{text, "#general"},
		{dm, "alice, Bob"},
		{bare, "5"},
	}
	for _, tt := range tests {
		if got := tt.c.DisplayName(); got != tt.want {
			t.Errorf("DisplayName() = %q, want %q", got, tt.want)
		}
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b Snowflake
		want int
	}{
		{"1", "2", -1},
		{"10", "9", 1},
		{"175928847299117063", "175928847299117063", 0},
		{"0010", "9", 1},
		{"abc", "abd", -1},
		{"2", "1x", -1},
		{"1x", "10", 1},
		{"99999999999999999999", "18446744073709551615", 1},
		{"010", "10", -1},
		{"", "1", 1},
	}
	for _, tt := range tests {
		if got := Compare(tt.a, tt.b); got != tt.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCompare_TotalOrder(t *testing.T) {
	ids := []Snowflake{"2", "10", "1x", "010", "99999999999999999999", "", "abc", "0", "175928847299117063"}
	for _, a := range ids {
		if Compare(a, a) != 0 {
			t.Errorf("Compare(%q, %q) != 0", a, a)
		}
		for _, b := range ids {
			if a != b && Compare(a, b) == 0 {
				t.Errorf("Compare(%q, %q) = 0 for distinct ids", a, b)
			}
			if Compare(a, b) != -Compare(b, a) {
				t.Errorf("Compare(%q, %q) not antisymmetric", a, b)
			}
			for _, c := range ids {
				if Compare(a, b) < 0 && Compare(b, c) < 0 && Compare(a, c) >= 0 {
					t.Errorf("not transitive: %q < %q < %q but Compare(%q, %q) = %d", a, b, c, a, c, Compare(a, c))
				}
			}
		}
	}
}

func TestAddMessages_MalformedIDsOrderIndependent(t *testing.T) {
	ids := []string{"1x", "10", "2", "zz", "99999999999999999999"}
	want := []string{"2", "10", "99999999999999999999", "1x", "zz"}

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 30; trial++ {
		shuffled := slices.Clone(ids)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		c := newTestChannel(t)
		for _, id := range shuffled {
			c.AddMessages(msgs(id)...)
		}
		checkStore(t, c)
		if got := order(c); !slices.Equal(got, want) {
			t.Fatalf("insert %v: order = %v, want %v", shuffled, got, want)
		}
	}
}

func TestSnowflakeTime(t *testing.T) {
	// 175928847299117063 was created at 2016-04-30 11:18:25.796 UTC.
	got := Snowflake("175928847299117063").Time()
	if got.UnixMilli() != 1462015105796 {
		t.Errorf("Time() = %v (%d)", got, got.UnixMilli())
	}
	if !Snowflake("x").Time().IsZero() {
		t.Error("Time() of invalid snowflake is not zero")
	}
}

func TestParseMessages(t *testing.T) {
	data := []byte(`[
		{"id":"3","channel_id":"1","content":"c","author":{"id":"9","username":"z"},"timestamp":"2024-01-02T03:04:05.000000+00:00","nonce":123},
		{"content":"no id"},
		{"id":"2","channel_id":"1","content":"b","edited_timestamp":"2024-01-02T03:05:00+00:00"}
	]`)

	ms, err := ParseMessages(data)
	if err != nil {
		t.Fatalf("ParseMessages: %v", err)
	}
	if len(ms) != 2 {
		t.Fatalf("parsed %d messages, want 2", len(ms))
	}
	if ms[0].Author() == nil || ms[0].Author().Username() != "z" {
		t.Error("author not parsed")
	}
	if ms[0].Author().Refs() != 1 {
		t.Errorf("author refs = %d, want 1", ms[0].Author().Refs())
	}
	if ms[0].Nonce() != "123" {
		t.Errorf("Nonce() = %q", ms[0].Nonce())
	}
	if ms[0].Timestamp().Year() != 2024 {
		t.Errorf("Timestamp() = %v", ms[0].Timestamp())
	}
	if _, edited := ms[1].Edited(); !edited {
		t.Error("edited timestamp not parsed")
	}

	c := newTestChannel(t)
	c.AddMessages(ms...)
	if got := order(c); !slices.Equal(got, []string{"2", "3"}) {
		t.Errorf("order = %v", got)
	}
}

func TestGuild_Channels(t *testing.T) {
	g, err := ParseGuild([]byte(`{"id":"1","name":"gophers","channels":[
		{"id":"12","type":0,"name":"random","position":2},
		{"id":"11","type":0,"name":"general","position":1},
		{"id":"13","type":2,"name":"voice","position":1},
		{"name":"broken"}
	]}`))
	if err != nil {
		t.Fatalf("ParseGuild: %v", err)
	}

	var names []string
	for _, c := range g.Channels() {
		names = append(names, c.Name())
		if c.GuildID() != "1" {
			t.Errorf("channel %s has guild id %q", c.ID(), c.GuildID())
		}
	}
	if !slices.Equal(names, []string{"general", "voice", "random"}) {
		t.Errorf("channels = %v", names)
	}

	renamed, _ := Parse([]byte(`{"id":"12","type":0,"name":"offtopic","position":0}`))
	g.AddChannel(renamed)
	if got := g.Channels(); len(got) != 3 || got[0].Name() != "offtopic" {
		t.Errorf("AddChannel did not replace by id: %d channels", len(got))
	}
}

func BenchmarkAddMessages(b *testing.B) {
	batch := make([]*Message, 50)
	for i := range batch {
		batch[i] = NewMessage(Snowflake(strconv.Itoa(1000-i)), "c", nil, "")
	}
	for i := 0; i < b.N; i++ {
		c, _ := New("1", GuildText)
		c.AddMessages(batch...)
	}
}

func TestUpdate_KeepsMessages(t *testing.T) {
	c, _ := Parse([]byte(`{"id":"1","type":0,"name":"old","parent_id":"9"}`))
	c.AddMessages(msgs("5")...)

	src, _ := Parse([]byte(`{"id":"1","type":5,"name":"new","nsfw":true}`))
	c.Update(src)

	if c.Name() != "new" || c.Type() != GuildNews || !c.NSFW() {
		t.Errorf("metadata not copied: name=%q type=%v nsfw=%v", c.Name(), c.Type(), c.NSFW())
	}
	if c.ParentID() != "9" {
		t.Errorf("ParentID() = %q, unset field in source must not clear it", c.ParentID())
	}
	if c.Messages() != 1 {
		t.Errorf("Messages() = %d after update, want 1", c.Messages())
	}

	other, _ := New("2", GuildText)
	other.SetName("stranger")
	c.Update(other)
	if c.Name() != "new" {
		t.Error("Update applied a different channel's metadata")
	}
}
