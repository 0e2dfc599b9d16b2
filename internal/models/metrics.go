package models

import "go.uber.org/atomic"

// Metrics 定義快取指標統計
type Metrics struct {
	Hits        *atomic.Int64
	Misses      *atomic.Int64
	Evictions   *atomic.Int64
	Expirations *atomic.Int64
}

// NewMetrics 創建新的 Metrics 實例
func NewMetrics() *Metrics {
	return &Metrics{
		Hits:        atomic.NewInt64(0),
		Misses:      atomic.NewInt64(0),
		Evictions:   atomic.NewInt64(0),
		Expirations: atomic.NewInt64(0),
	}
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
}

// Snapshot 讀取當前的指標數值
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Hits:        m.Hits.Load(),
		Misses:      m.Misses.Load(),
		Evictions:   m.Evictions.Load(),
		Expirations: m.Expirations.Load(),
	}
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (s Snapshot) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Reset 歸零所有計數器
func (m *Metrics) Reset() {
	m.Hits.Store(0)
	m.Misses.Store(0)
	m.Evictions.Store(0)
	m.Expirations.Store(0)
}
