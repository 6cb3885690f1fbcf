package monitor

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/toolchat-nexus/internal/db/models"
	"gorm.io/gorm"
)

const (
	// MaxArgumentsSize limits stored tool arguments to 64KB
	MaxArgumentsSize = 64 * 1024
	// MaxResultSize limits stored tool results to 64KB
	MaxResultSize = 64 * 1024
	// MaxMemoryLogs limits in-memory log cache
	MaxMemoryLogs = 100
)

// ToolMonitor records tool invocations and keeps running statistics.
type ToolMonitor struct {
	db      *gorm.DB
	enabled atomic.Bool
	pending sync.WaitGroup

	recentLogs []models.ToolInvocation
	logsMu     sync.RWMutex

	totalCalls   atomic.Int64
	successCount atomic.Int64
	errorCount   atomic.Int64
}

// NewToolMonitor creates a monitor backed by db. Recording starts enabled.
func NewToolMonitor(db *gorm.DB) *ToolMonitor {
	m := &ToolMonitor{
		db:         db,
		recentLogs: make([]models.ToolInvocation, 0, MaxMemoryLogs),
	}
	m.loadStatsFromDB()
	m.enabled.Store(true)
	return m
}

// SetEnabled enables or disables recording
func (m *ToolMonitor) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
	log.Printf("[monitor] Tool call recording %s", map[bool]string{true: "enabled", false: "disabled"}[enabled])
}

// IsEnabled returns whether recording is enabled
func (m *ToolMonitor) IsEnabled() bool {
	return m.enabled.Load()
}

// Record stores a tool invocation (async, non-blocking).
func (m *ToolMonitor) Record(entry models.ToolInvocation) {
	if !m.IsEnabled() {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	if len(entry.Arguments) > MaxArgumentsSize {
		entry.Arguments = entry.Arguments[:MaxArgumentsSize] + "...[truncated]"
	}
	if len(entry.Result) > MaxResultSize {
		entry.Result = entry.Result[:MaxResultSize] + "...[truncated]"
	}

	m.totalCalls.Add(1)
	if entry.Status == models.InvocationOK {
		m.successCount.Add(1)
	} else {
		m.errorCount.Add(1)
	}

	m.logsMu.Lock()
	m.recentLogs = append([]models.ToolInvocation{entry}, m.recentLogs...)
	if len(m.recentLogs) > MaxMemoryLogs {
		m.recentLogs = m.recentLogs[:MaxMemoryLogs]
	}
	m.logsMu.Unlock()

	m.pending.Add(1)
	go func(e models.ToolInvocation) {
		defer m.pending.Done()
		if err := m.db.Create(&e).Error; err != nil {
			log.Printf("[monitor] Failed to save tool invocation: %v", err)
		}
	}(entry)
}

// Wait blocks until pending writes are flushed.
func (m *ToolMonitor) Wait() {
	m.pending.Wait()
}

// GetLogs returns a user's recent invocations, newest first, optionally
// limited to the last sinceMinutes.
func (m *ToolMonitor) GetLogs(userID string, limit int, sinceMinutes int) []models.ToolInvocation {
	if limit <= 0 {
		limit = 100
	}

	var logs []models.ToolInvocation
	query := m.db.Where("user_id = ?", userID).Order("timestamp DESC").Limit(limit)
	if sinceMinutes > 0 {
		since := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute).UnixMilli()
		query = query.Where("timestamp >= ?", since)
	}

	if err := query.Find(&logs).Error; err != nil {
		log.Printf("[monitor] Failed to get logs from DB: %v", err)
		m.logsMu.RLock()
		defer m.logsMu.RUnlock()
		for _, e := range m.recentLogs {
			if e.UserID == userID && len(logs) < limit {
				logs = append(logs, e)
			}
		}
	}
	return logs
}

// GetLogsWithPagination returns a page of a user's invocations matching search.
func (m *ToolMonitor) GetLogsWithPagination(userID string, page, pageSize int, search string) ([]models.ToolInvocation, int64) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	var logs []models.ToolInvocation
	var total int64

	query := m.db.Model(&models.ToolInvocation{}).Where("user_id = ?", userID)
	if search != "" {
		pattern := "%" + search + "%"
		query = query.Where("tool_name LIKE ? OR server_id LIKE ? OR error LIKE ?", pattern, pattern, pattern)
	}
	query.Count(&total)

	offset := (page - 1) * pageSize
	if err := query.Order("timestamp DESC").Offset(offset).Limit(pageSize).Find(&logs).Error; err != nil {
		log.Printf("[monitor] Failed to get logs with pagination: %v", err)
		return nil, 0
	}
	return logs, total
}

// GetStats returns process-wide statistics.
func (m *ToolMonitor) GetStats() models.ToolInvocationStats {
	return models.ToolInvocationStats{
		TotalCalls:   m.totalCalls.Load(),
		SuccessCount: m.successCount.Load(),
		ErrorCount:   m.errorCount.Load(),
	}
}

// UserStats aggregates one user's invocations from the database.
func (m *ToolMonitor) UserStats(userID string) models.ToolInvocationStats {
	var stats models.ToolInvocationStats
	base := func() *gorm.DB { return m.db.Model(&models.ToolInvocation{}).Where("user_id = ?", userID) }
	base().Count(&stats.TotalCalls)
	base().Where("status = ?", models.InvocationOK).Count(&stats.SuccessCount)
	stats.ErrorCount = stats.TotalCalls - stats.SuccessCount
	return stats
}

// Clear removes a user's invocations from memory and the database.
func (m *ToolMonitor) Clear(userID string) error {
	m.logsMu.Lock()
	kept := m.recentLogs[:0]
	for _, e := range m.recentLogs {
		if e.UserID != userID {
			kept = append(kept, e)
		}
	}
	m.recentLogs = kept
	m.logsMu.Unlock()

	if err := m.db.Where("user_id = ?", userID).Delete(&models.ToolInvocation{}).Error; err != nil {
		log.Printf("[monitor] Failed to clear logs: %v", err)
		return err
	}
	m.loadStatsFromDB()
	log.Printf("[monitor] Cleared tool call logs for user %s", userID)
	return nil
}

func (m *ToolMonitor) loadStatsFromDB() {
	var total, success int64
	m.db.Model(&models.ToolInvocation{}).Count(&total)
	m.db.Model(&models.ToolInvocation{}).Where("status = ?", models.InvocationOK).Count(&success)

	m.totalCalls.Store(total)
	m.successCount.Store(success)
	m.errorCount.Store(total - success)

	log.Printf("[monitor] Loaded stats: total=%d, success=%d, errors=%d", total, success, total-success)
}
