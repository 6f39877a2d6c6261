package leadstech

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grigta/vkads/pkg/cache"
)

// Amount accepts numbers sent as JSON numbers or strings.
type Amount float64

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*a = Amount(f)
	return nil
}

type Row struct {
	Sub1        string `json:"sub1"`
	Sub2        string `json:"sub2"`
	Sub3        string `json:"sub3"`
	Sub4        string `json:"sub4"`
	Sub5        string `json:"sub5"`
	Clicks      Amount `json:"clicks"`
	Conversions Amount `json:"approved"`
	Revenue     Amount `json:"sumapproved"`
}

// Sub returns the value of a sub-field by name ("sub1".."sub5").
func (r Row) Sub(field string) string {
	switch strings.ToLower(field) {
	case "sub1":
		return r.Sub1
	case "sub2":
		return r.Sub2
	case "sub3":
		return r.Sub3
	case "sub4":
		return r.Sub4
	case "sub5":
		return r.Sub5
	}
	return ""
}

type rowsResponse struct {
	Data struct {
		Rows  []Row `json:"rows"`
		Total int   `json:"total"`
	} `json:"data"`
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryTokenStore is used when no Redis is configured.
type MemoryTokenStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{entries: make(map[string]memoryEntry)}
}

func (m *MemoryTokenStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || (!e.expires.IsZero() && time.Now().After(e.expires)) {
		delete(m.entries, key)
		return "", cache.ErrCacheMiss
	}
	return e.value, nil
}

func (m *MemoryTokenStore) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	s, _ := value.(string)
	e := memoryEntry{value: s}
	if expiration > 0 {
		e.expires = time.Now().Add(expiration)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryTokenStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}
