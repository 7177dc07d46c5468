package agent

import (
	"context"
	"sync"
	"time"
)

// ClientSet 记录代理见过的页面实例（以 barbell_client cookie 区分）及其是否受控。
type ClientSet struct {
	mu      sync.Mutex
	clients map[string]*clientState
	idle    time.Duration
	now     func() time.Time
}

type clientState struct {
	controlled bool
	lastSeen   time.Time
}

// NewClientSet 创建客户端集合；idle<=0 表示永不过期。
func NewClientSet(idle time.Duration) *ClientSet {
	return &ClientSet{
		clients: make(map[string]*clientState),
		idle:    idle,
		now:     time.Now,
	}
}

// Touch 记录一次客户端请求并返回它当前是否受控。
//
// 首次出现时，若已有激活的 worker 则直接受控；导航请求代表新的页面实例，
// 在有激活 worker 时总是受控。
func (s *ClientSet) Touch(id string, active, navigation bool) bool {
	if id == "" {
		return active
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.clients[id]
	if !ok {
		state = &clientState{controlled: active}
		s.clients[id] = state
	}
	if navigation && active {
		state.controlled = true
	}
	state.lastSeen = s.now()
	return state.controlled
}

// Claim 将所有已知客户端置为受控。
func (s *ClientSet) Claim(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range s.clients {
		state.controlled = true
	}
	return nil
}

// Controlled 返回客户端是否受控，未知客户端视为不受控。
func (s *ClientSet) Controlled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.clients[id]
	return ok && state.controlled
}

// Counts 返回客户端总数与受控数量。
func (s *ClientSet) Counts() (total, controlled int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range s.clients {
		total++
		if state.controlled {
			controlled++
		}
	}
	return total, controlled
}

// Prune 移除空闲超过 idle 的客户端，返回移除数量。
func (s *ClientSet) Prune() int {
	if s.idle <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.idle)
	removed := 0
	for id, state := range s.clients {
		if state.lastSeen.Before(cutoff) {
			delete(s.clients, id)
			removed++
		}
	}
	return removed
}
