package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eachlabs/ncdc/internal/channel"
)

// State is what is remembered about an account between runs.
type State struct {
	AccountID   string            `json:"account_id"`
	LastChannel string            `json:"last_channel,omitempty"`
	ReadMarkers map[string]string `json:"read_markers"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Store persists State with debounced saving.
type Store struct {
	dir         string
	mu          sync.Mutex
	state       *State
	dirty       bool
	lastSave    time.Time
	debounceMin time.Duration
}

// NewStore creates a store that keeps one file per account in dir.
func NewStore(dir string) *Store {
	return &Store{
		dir:         dir,
		debounceMin: 2 * time.Second,
	}
}

func (s *Store) path(accountID string) string {
	return filepath.Join(s.dir, accountID+".json")
}

// Load reads the state of an account. A missing file yields a fresh state.
func (s *Store) Load(accountID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := &State{AccountID: accountID, ReadMarkers: make(map[string]string)}

	data, err := os.ReadFile(s.path(accountID))
	if err != nil {
		if os.IsNotExist(err) {
			s.state = fresh
			return s.state, nil
		}
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse session state: %w", err)
	}
	if st.ReadMarkers == nil {
		st.ReadMarkers = make(map[string]string)
	}
	st.AccountID = accountID

	s.state = &st
	return s.state, nil
}

// ReadMarker returns the id of the last message read in a channel.
func (s *Store) ReadMarker(id channel.Snowflake) channel.Snowflake {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return ""
	}
	return channel.Snowflake(s.state.ReadMarkers[string(id)])
}

// MarkRead moves the read marker of a channel forward to messageID.
func (s *Store) MarkRead(id, messageID channel.Snowflake) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil || messageID == "" {
		return
	}
	cur := channel.Snowflake(s.state.ReadMarkers[string(id)])
	if cur != "" && channel.Compare(cur, messageID) >= 0 {
		return
	}
	s.state.ReadMarkers[string(id)] = string(messageID)
	s.state.UpdatedAt = time.Now()
	s.dirty = true
}

// LastChannel returns the channel that was open when the state was saved.
func (s *Store) LastChannel() channel.Snowflake {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return ""
	}
	return channel.Snowflake(s.state.LastChannel)
}

// SetLastChannel records the open channel.
func (s *Store) SetLastChannel(id channel.Snowflake) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil || s.state.LastChannel == string(id) {
		return
	}
	s.state.LastChannel = string(id)
	s.state.UpdatedAt = time.Now()
	s.dirty = true
}

// Save writes the state to disk with debouncing.
// It will skip saving if less than debounceMin has passed since last save.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil || !s.dirty {
		return nil
	}
	if time.Since(s.lastSave) < s.debounceMin {
		return nil
	}
	return s.saveInternal()
}

// ForceSave writes the state immediately, ignoring debounce.
func (s *Store) ForceSave() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil || !s.dirty {
		return nil
	}
	return s.saveInternal()
}

// saveInternal performs the actual save operation. Caller must hold the lock.
func (s *Store) saveInternal() error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	if err := os.WriteFile(s.path(s.state.AccountID), data, 0600); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}

	s.dirty = false
	s.lastSave = time.Now()
	return nil
}

// Delete removes the saved state of an account.
func (s *Store) Delete(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != nil && s.state.AccountID == accountID {
		s.state = nil
		s.dirty = false
	}
	if err := os.Remove(s.path(accountID)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete session state: %w", err)
	}
	return nil
}
