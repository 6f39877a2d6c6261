package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockVKAdsServer emulates the subset of the VK Ads v2 API the service uses.
type MockVKAdsServer struct {
	Server *httptest.Server

	mu         sync.Mutex
	Token      string
	banners    map[int64]*MockBanner
	groups     map[int64]*MockAdGroup
	plans      map[int64]*MockAdPlan
	stats      map[int64]MockStats
	nextID     int64
	requests   []MockRequest
	failures   map[string][]int
	malformed  bool
	maxStatIDs int

	MassActions    []MockMassAction
	CreatedGroups  []map[string]interface{}
	CreatedPlans   []map[string]interface{}
	BannerUpdates  []MockBannerUpdate
	AdGroupUpdates []MockAdGroupUpdate
}

type MockRequest struct {
	Method    string
	Path      string
	Query     map[string]string
	Body      []byte
	Timestamp time.Time
}

type MockBanner struct {
	ID        int64
	Name      string
	Status    string
	AdGroupID int64
	Content   map[string]interface{}
}

type MockAdGroup struct {
	ID             int64
	Name           string
	Status         string
	AdPlanID       int64
	BudgetLimitDay float64
	Extra          map[string]interface{}
}

type MockAdPlan struct {
	ID        int64
	Name      string
	Status    string
	Objective string
}

// MockStats are totals for one entity. With ZeroTotal the "total" block is
// reported as zeros while DailyRows rows carry the values.
type MockStats struct {
	Shows     int64
	Clicks    int64
	Goals     float64
	Spent     float64
	VKGoals   *float64
	CR        *float64
	ZeroTotal bool
	DailyRows int
	// Omit leaves the entity out of statistics responses entirely.
	Omit bool
	// Extra and VKExtra are emitted as additional base and vk fields.
	Extra   map[string]float64
	VKExtra map[string]float64
}

type MockMassAction struct {
	IDs    []int64
	Status string
}

type MockBannerUpdate struct {
	ID     int64
	Fields map[string]interface{}
}

type MockAdGroupUpdate struct {
	ID     int64
	Fields map[string]interface{}
}

var (
	reBannerItem  = regexp.MustCompile(`^/api/v2/banners/(\d+)\.json$`)
	reAdGroupItem = regexp.MustCompile(`^/api/v2/ad_groups/(\d+)\.json$`)
	reAdPlanItem  = regexp.MustCompile(`^/api/v2/ad_plans/(\d+)\.json$`)
	reStatistics  = regexp.MustCompile(`^/api/v2/statistics/(banners|ad_groups)/day\.json$`)
)

func NewMockVKAdsServer() *MockVKAdsServer {
	m := &MockVKAdsServer{
		banners:  make(map[int64]*MockBanner),
		groups:   make(map[int64]*MockAdGroup),
		plans:    make(map[int64]*MockAdPlan),
		stats:    make(map[int64]MockStats),
		failures: make(map[string][]int),
		nextID:   900000,
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handleRequest))
	return m
}

func (m *MockVKAdsServer) URL() string {
	return m.Server.URL
}

func (m *MockVKAdsServer) Close() {
	m.Server.Close()
}

func (m *MockVKAdsServer) AddPlan(p MockAdPlan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status == "" {
		p.Status = "active"
	}
	m.plans[p.ID] = &p
}

func (m *MockVKAdsServer) AddGroup(g MockAdGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.Status == "" {
		g.Status = "active"
	}
	m.groups[g.ID] = &g
}

func (m *MockVKAdsServer) AddBanner(b MockBanner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.Status == "" {
		b.Status = "active"
	}
	m.banners[b.ID] = &b
}

func (m *MockVKAdsServer) SetStats(id int64, s MockStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[id] = s
}

// FailNext makes the next len(statuses) requests whose path contains
// pathPart answer with the given status codes.
func (m *MockVKAdsServer) FailNext(pathPart string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[pathPart] = append(m.failures[pathPart], statuses...)
}

// SetMaxStatIDs makes statistics requests with more ids answer 414.
func (m *MockVKAdsServer) SetMaxStatIDs(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxStatIDs = n
}

func (m *MockVKAdsServer) SetMalformedStats(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.malformed = v
}

func (m *MockVKAdsServer) Banner(id int64) (MockBanner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.banners[id]
	if !ok {
		return MockBanner{}, false
	}
	return *b, true
}

func (m *MockVKAdsServer) Group(id int64) (MockAdGroup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return MockAdGroup{}, false
	}
	return *g, true
}

func (m *MockVKAdsServer) Plan(id int64) (MockAdPlan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return MockAdPlan{}, false
	}
	return *p, true
}

func (m *MockVKAdsServer) GetRequestLog() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

// CountRequests counts logged requests with the method whose path contains pathPart.
func (m *MockVKAdsServer) CountRequests(method, pathPart string) int {
	n := 0
	for _, r := range m.GetRequestLog() {
		if r.Method == method && strings.Contains(r.Path, pathPart) {
			n++
		}
	}
	return n
}

func (m *MockVKAdsServer) MassActionCalls() []MockMassAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMassAction(nil), m.MassActions...)
}

func (m *MockVKAdsServer) DeletedBanners() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, u := range m.BannerUpdates {
		if u.Fields["status"] == "deleted" {
			ids = append(ids, u.ID)
		}
	}
	return ids
}

func (m *MockVKAdsServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     parseQuery(r),
		Body:      body,
		Timestamp: time.Now(),
	})
	status := m.popFailure(r.URL.Path)
	token := m.Token
	m.mu.Unlock()

	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}
	if status != 0 {
		http.Error(w, `{"error":"injected failure"}`, status)
		return
	}

	path := r.URL.Path
	switch {
	case path == "/api/v2/banners.json" && r.Method == http.MethodGet:
		m.handleListBanners(w, r)
	case path == "/api/v2/banners/mass_action.json" && r.Method == http.MethodPost:
		m.handleMassAction(w, body)
	case reStatistics.MatchString(path):
		m.handleStatistics(w, r)
	case reBannerItem.MatchString(path) && r.Method == http.MethodPost:
		m.handleUpdateBanner(w, pathID(reBannerItem, path), body)
	case path == "/api/v2/ad_groups.json" && r.Method == http.MethodPost:
		m.handleCreateGroup(w, body)
	case reAdGroupItem.MatchString(path):
		m.handleAdGroup(w, r, pathID(reAdGroupItem, path), body)
	case path == "/api/v2/ad_plans.json" && r.Method == http.MethodPost:
		m.handleCreatePlan(w, body)
	case reAdPlanItem.MatchString(path):
		m.handleAdPlan(w, r, pathID(reAdPlanItem, path), body)
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}
}

func (m *MockVKAdsServer) popFailure(path string) int {
	for part, queue := range m.failures {
		if len(queue) > 0 && strings.Contains(path, part) {
			m.failures[part] = queue[1:]
			return queue[0]
		}
	}
	return 0
}

func pathID(re *regexp.Regexp, path string) int64 {
	id, _ := strconv.ParseInt(re.FindStringSubmatch(path)[1], 10, 64)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *MockBanner) toMap() map[string]interface{} {
	out := map[string]interface{}{
		"id":          b.ID,
		"name":        b.Name,
		"status":      b.Status,
		"ad_group_id": b.AdGroupID,
	}
	for k, v := range b.Content {
		out[k] = v
	}
	return out
}

func (m *MockVKAdsServer) handleListBanners(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	statuses := map[string]bool{}
	if s := q.Get("_status__in"); s != "" {
		for _, st := range strings.Split(s, ",") {
			statuses[st] = true
		}
	}
	groupID, _ := strconv.ParseInt(q.Get("_ad_group_id"), 10, 64)

	m.mu.Lock()
	var matched []*MockBanner
	for _, b := range m.banners {
		if len(statuses) > 0 && !statuses[b.Status] {
			continue
		}
		if groupID > 0 && b.AdGroupID != groupID {
			continue
		}
		matched = append(matched, b)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	items := []map[string]interface{}{}
	for i := offset; i < len(matched) && i < offset+limit; i++ {
		items = append(items, matched[i].toMap())
	}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(matched),
		"offset": offset,
		"items":  items,
	})
}

func (m *MockVKAdsServer) handleMassAction(w http.ResponseWriter, body []byte) {
	var updates []struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &updates); err != nil {
		http.Error(w, `{"error":"bad body"}`, http.StatusBadRequest)
		return
	}
	if len(updates) > 200 {
		http.Error(w, `{"error":"too many objects"}`, http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	call := MockMassAction{}
	for _, u := range updates {
		call.IDs = append(call.IDs, u.ID)
		call.Status = u.Status
		if b, ok := m.banners[u.ID]; ok {
			b.Status = u.Status
		}
	}
	m.MassActions = append(m.MassActions, call)
	m.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func statBlock(shows, clicks int64, goals, spent float64, s MockStats) map[string]interface{} {
	base := map[string]interface{}{
		"shows":  shows,
		"clicks": clicks,
		"goals":  goals,
		"spent":  money(spent),
	}
	for k, v := range s.Extra {
		base[k] = v
	}
	block := map[string]interface{}{"base": base}
	if s.VKGoals != nil || s.CR != nil || len(s.VKExtra) > 0 {
		vk := map[string]interface{}{}
		if s.VKGoals != nil {
			vk["goals"] = *s.VKGoals
		}
		if s.CR != nil {
			vk["cr"] = *s.CR
		}
		for k, v := range s.VKExtra {
			vk[k] = v
		}
		block["vk"] = vk
	}
	return block
}

// dayShare is the slice of s reported on each of n daily rows. Counters are
// split evenly; the conversion rate is repeated as is.
func dayShare(s MockStats, n float64) MockStats {
	day := MockStats{CR: s.CR}
	if s.VKGoals != nil {
		g := *s.VKGoals / n
		day.VKGoals = &g
	}
	if len(s.Extra) > 0 {
		day.Extra = make(map[string]float64, len(s.Extra))
		for k, v := range s.Extra {
			day.Extra[k] = v / n
		}
	}
	if len(s.VKExtra) > 0 {
		day.VKExtra = make(map[string]float64, len(s.VKExtra))
		for k, v := range s.VKExtra {
			day.VKExtra[k] = v / n
		}
	}
	return day
}

func (m *MockVKAdsServer) handleStatistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var ids []int64
	for _, part := range strings.Split(q.Get("id"), ",") {
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}

	m.mu.Lock()
	maxIDs, malformed := m.maxStatIDs, m.malformed
	m.mu.Unlock()

	if maxIDs > 0 && len(ids) > maxIDs {
		http.Error(w, "Request-URI Too Large", http.StatusRequestURITooLong)
		return
	}
	if malformed {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items": [{"id": "broken", "total":`))
		return
	}

	dateFrom := q.Get("date_from")
	items := make([]interface{}, 0, len(ids))
	m.mu.Lock()
	for _, id := range ids {
		s := m.stats[id]
		if s.Omit {
			continue
		}
		item := map[string]interface{}{"id": id}

		rows := []interface{}{}
		if s.DailyRows > 0 {
			n := float64(s.DailyRows)
			for i := 0; i < s.DailyRows; i++ {
				shows, clicks := s.Shows/int64(s.DailyRows), s.Clicks/int64(s.DailyRows)
				if i == 0 {
					shows += s.Shows % int64(s.DailyRows)
					clicks += s.Clicks % int64(s.DailyRows)
				}
				row := statBlock(shows, clicks, s.Goals/n, s.Spent/n, dayShare(s, n))
				row["date"] = fmt.Sprintf("%s+%d", dateFrom, i)
				rows = append(rows, row)
			}
		}
		item["rows"] = rows

		if s.ZeroTotal {
			item["total"] = statBlock(0, 0, 0, 0, MockStats{})
		} else {
			item["total"] = statBlock(s.Shows, s.Clicks, s.Goals, s.Spent, s)
		}
		items = append(items, item)
	}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (m *MockVKAdsServer) handleUpdateBanner(w http.ResponseWriter, id int64, body []byte) {
	fields := map[string]interface{}{}
	if err := json.Unmarshal(body, &fields); err != nil {
		http.Error(w, `{"error":"bad body"}`, http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.banners[id]
	if !ok {
		http.Error(w, `{"error":"banner not found"}`, http.StatusNotFound)
		return
	}
	if s, ok := fields["status"].(string); ok {
		b.Status = s
	}
	if n, ok := fields["name"].(string); ok {
		b.Name = n
	}
	m.BannerUpdates = append(m.BannerUpdates, MockBannerUpdate{ID: id, Fields: fields})
	w.WriteHeader(http.StatusNoContent)
}

func (g *MockAdGroup) toMap() map[string]interface{} {
	out := map[string]interface{}{
		"id":               g.ID,
		"name":             g.Name,
		"status":           g.Status,
		"ad_plan_id":       g.AdPlanID,
		"budget_limit_day": money(g.BudgetLimitDay),
	}
	for k, v := range g.Extra {
		out[k] = v
	}
	return out
}

func (m *MockVKAdsServer) handleAdGroup(w http.ResponseWriter, r *http.Request, id int64, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		http.Error(w, `{"error":"ad group not found"}`, http.StatusNotFound)
		return
	}

	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, g.toMap())
		return
	}

	fields := map[string]interface{}{}
	if err := json.Unmarshal(body, &fields); err != nil {
		http.Error(w, `{"error":"bad body"}`, http.StatusBadRequest)
		return
	}
	if v, ok := fields["budget_limit_day"]; ok {
		switch b := v.(type) {
		case string:
			g.BudgetLimitDay, _ = strconv.ParseFloat(b, 64)
		case float64:
			g.BudgetLimitDay = b
		}
	}
	if s, ok := fields["status"].(string); ok {
		g.Status = s
	}
	m.AdGroupUpdates = append(m.AdGroupUpdates, MockAdGroupUpdate{ID: id, Fields: fields})
	w.WriteHeader(http.StatusNoContent)
}

// createGroupLocked stores a group and its banners from a create payload.
func (m *MockVKAdsServer) createGroupLocked(planID int64, payload map[string]interface{}) map[string]interface{} {
	m.nextID++
	g := &MockAdGroup{ID: m.nextID, AdPlanID: planID, Status: "active"}
	if n, ok := payload["name"].(string); ok {
		g.Name = n
	}
	if s, ok := payload["status"].(string); ok {
		g.Status = s
	}
	m.groups[g.ID] = g

	created := []interface{}{}
	banners, _ := payload["banners"].([]interface{})
	for _, raw := range banners {
		bp, _ := raw.(map[string]interface{})
		m.nextID++
		b := &MockBanner{ID: m.nextID, AdGroupID: g.ID, Status: "active"}
		if n, ok := bp["name"].(string); ok {
			b.Name = n
		}
		if s, ok := bp["status"].(string); ok {
			b.Status = s
		}
		m.banners[b.ID] = b
		created = append(created, map[string]interface{}{"id": b.ID})
	}
	return map[string]interface{}{"id": g.ID, "banners": created}
}

func (m *MockVKAdsServer) handleCreateGroup(w http.ResponseWriter, body []byte) {
	payload := map[string]interface{}{}
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, `{"error":"bad body"}`, http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	planID, _ := payload["ad_plan_id"].(float64)
	if _, ok := m.plans[int64(planID)]; !ok {
		http.Error(w, `{"error":"ad plan not found"}`, http.StatusBadRequest)
		return
	}
	m.CreatedGroups = append(m.CreatedGroups, payload)
	writeJSON(w, http.StatusOK, m.createGroupLocked(int64(planID), payload))
}

func (m *MockVKAdsServer) handleAdPlan(w http.ResponseWriter, r *http.Request, id int64, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		http.Error(w, `{"error":"ad plan not found"}`, http.StatusNotFound)
		return
	}

	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":        p.ID,
			"name":      p.Name,
			"status":    p.Status,
			"objective": p.Objective,
		})
		return
	}

	fields := map[string]interface{}{}
	if err := json.Unmarshal(body, &fields); err != nil {
		http.Error(w, `{"error":"bad body"}`, http.StatusBadRequest)
		return
	}
	if s, ok := fields["status"].(string); ok {
		p.Status = s
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *MockVKAdsServer) handleCreatePlan(w http.ResponseWriter, body []byte) {
	payload := map[string]interface{}{}
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, `{"error":"bad body"}`, http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreatedPlans = append(m.CreatedPlans, payload)

	m.nextID++
	p := &MockAdPlan{ID: m.nextID, Status: "active"}
	if n, ok := payload["name"].(string); ok {
		p.Name = n
	}
	if o, ok := payload["objective"].(string); ok {
		p.Objective = o
	}
	m.plans[p.ID] = p

	groups := []interface{}{}
	rawGroups, _ := payload["ad_groups"].([]interface{})
	for _, raw := range rawGroups {
		gp, _ := raw.(map[string]interface{})
		m.CreatedGroups = append(m.CreatedGroups, gp)
		groups = append(groups, m.createGroupLocked(p.ID, gp))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": p.ID, "ad_groups": groups})
}

func parseQuery(r *http.Request) map[string]string {
	query := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	return query
}
