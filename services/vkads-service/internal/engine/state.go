package engine

import "sync"

type campaignKey struct {
	account  string
	original int64
}

// RunState lives for one scaling run. It numbers the campaigns the run
// creates and remembers which new campaign replaced each original one.
type RunState struct {
	mu        sync.Mutex
	seq       int
	campaigns map[campaignKey]int64
}

func NewRunState() *RunState {
	return &RunState{campaigns: make(map[campaignKey]int64)}
}

// NextSequence returns 1, 2, 3... across the whole run.
func (s *RunState) NextSequence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *RunState) Campaign(account string, original int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.campaigns[campaignKey{account, original}]
	return id, ok
}

func (s *RunState) StoreCampaign(account string, original, created int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[campaignKey{account, original}] = created
}
