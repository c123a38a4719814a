// Package feedstate 记录每个 feed 最后一次发布的时间戳
package feedstate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chenxilol/pricehub/pkg/datapackage"

	"github.com/benbjohnson/clock"
)

// State 每个 feed 的最后发布时间戳，只允许向前推进。
// 推进时间戳前调用方必须先用 IsNewer 检查
type State struct {
	mu    sync.RWMutex
	clock clock.Clock
	last  map[string]int64
}

// New 以 initTimestamp 初始化所有 feed
func New(feedIDs []string, initTimestamp int64, clk clock.Clock) *State {
	if clk == nil {
		clk = clock.New()
	}
	last := make(map[string]int64, len(feedIDs))
	for _, id := range feedIDs {
		last[id] = initTimestamp
	}
	return &State{clock: clk, last: last}
}

// IsNewer 判断 timestamp 是否严格晚于该 feed 的最后发布时间，未知 feed 返回 false
func (s *State) IsNewer(feedID string, timestamp int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last, ok := s.last[feedID]
	return ok && timestamp > last
}

// Update 将给定 feed 的最后发布时间设置为 timestamp
func (s *State) Update(feedIDs []string, timestamp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range feedIDs {
		s.last[id] = timestamp
	}
}

// FilterNewer 只保留代表时间戳(第一个数据包的时间戳)仍然更新的 feed
func (s *State) FilterNewer(resp datapackage.Response) datapackage.Response {
	filtered := make(datapackage.Response, len(resp))
	for id, pkgs := range resp {
		if len(pkgs) == 0 {
			continue
		}
		if s.IsNewer(id, pkgs[0].TimestampMilliseconds) {
			filtered[id] = pkgs
		}
	}
	return filtered
}

// IsStale 判断是否有 feed 超过 maxDelay 没有发布
func (s *State) IsStale(maxDelay time.Duration) bool {
	now := s.clock.Now().UnixMilli()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, last := range s.last {
		if now-last > maxDelay.Milliseconds() {
			return true
		}
	}
	return false
}

// LastPublished 返回该 feed 的最后发布时间戳
func (s *State) LastPublished(feedID string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last, ok := s.last[feedID]
	return last, ok
}

// Snapshot 返回所有 feed 最后发布时间戳的副本
func (s *State) Snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.last))
	for id, last := range s.last {
		out[id] = last
	}
	return out
}

func (s *State) String() string {
	snapshot := s.Snapshot()
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s:%d", id, snapshot[id]))
	}
	return strings.Join(parts, " ")
}
