package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockLeadsTechServer emulates LeadsTech login and stat/by-subid.
type MockLeadsTechServer struct {
	Server *httptest.Server

	mu         sync.Mutex
	Login      string
	Password   string
	tokens     map[string]bool
	issued     int
	rows       []map[string]interface{}
	requests   []MockRequest
	rejectNext int
	failNext   []int
}

func NewMockLeadsTechServer(login, password string) *MockLeadsTechServer {
	m := &MockLeadsTechServer{
		Login:    login,
		Password: password,
		tokens:   make(map[string]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/front/authorization/login", m.handleLogin)
	mux.HandleFunc("/v1/front/stat/by-subid", m.handleStats)
	m.Server = httptest.NewServer(mux)
	return m
}

func (m *MockLeadsTechServer) URL() string {
	return m.Server.URL
}

func (m *MockLeadsTechServer) Close() {
	m.Server.Close()
}

// AddRow adds a revenue row. sub1 is the account label; subs maps other
// sub fields ("sub4") to values.
func (m *MockLeadsTechServer) AddRow(label string, subs map[string]string, revenue float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := map[string]interface{}{
		"sub1":        label,
		"approved":    1,
		"sumapproved": strconv.FormatFloat(revenue, 'f', 2, 64),
	}
	for k, v := range subs {
		row[k] = v
	}
	m.rows = append(m.rows, row)
}

// ExpireTokens invalidates every token issued so far.
func (m *MockLeadsTechServer) ExpireTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = make(map[string]bool)
}

// RejectNext makes the next n stat requests answer 401 regardless of token.
func (m *MockLeadsTechServer) RejectNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectNext = n
}

func (m *MockLeadsTechServer) FailNext(statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, statuses...)
}

func (m *MockLeadsTechServer) LoginCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issued
}

func (m *MockLeadsTechServer) StatRequests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MockRequest
	for _, r := range m.requests {
		if strings.HasSuffix(r.Path, "by-subid") {
			out = append(out, r)
		}
	}
	return out
}

func (m *MockLeadsTechServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, MockRequest{Method: r.Method, Path: r.URL.Path, Timestamp: time.Now()})

	if r.Method != http.MethodPost || r.PostFormValue("login") != m.Login || r.PostFormValue("password") != m.Password {
		http.Error(w, `{"error":"bad credentials"}`, http.StatusUnauthorized)
		return
	}

	m.issued++
	token := fmt.Sprintf("token-%d", m.issued)
	m.tokens[token] = true
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]string{"token": token}})
}

func (m *MockLeadsTechServer) handleStats(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{Method: r.Method, Path: r.URL.Path, Query: parseQuery(r), Timestamp: time.Now()})

	if len(m.failNext) > 0 {
		status := m.failNext[0]
		m.failNext = m.failNext[1:]
		m.mu.Unlock()
		http.Error(w, `{"error":"injected"}`, status)
		return
	}
	if m.rejectNext > 0 || !m.tokens[r.Header.Get("X-Auth-Token")] {
		if m.rejectNext > 0 {
			m.rejectNext--
		}
		m.mu.Unlock()
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	label := q.Get("sub1")
	filters := map[string]map[string]bool{}
	for _, field := range []string{"sub2", "sub3", "sub4", "sub5"} {
		if v := q.Get(field); v != "" {
			set := map[string]bool{}
			for _, part := range strings.Split(v, "|") {
				set[part] = true
			}
			filters[field] = set
		}
	}

	var matched []map[string]interface{}
	for _, row := range m.rows {
		if row["sub1"] != label {
			continue
		}
		ok := true
		for field, set := range filters {
			v, _ := row[field].(string)
			if !set[v] {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, row)
		}
	}
	m.mu.Unlock()

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(q.Get("pageSize"))
	if size <= 0 {
		size = 100
	}
	start := (page - 1) * size
	items := []map[string]interface{}{}
	for i := start; i < len(matched) && i < start+size; i++ {
		items = append(items, matched[i])
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"rows": items, "total": len(matched)},
	})
}
