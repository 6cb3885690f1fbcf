package chat

import (
	"crypto/sha256"
	"time"
)

const (
	defaultMaxRepeats = 32
	defaultStreamIdle = 2 * time.Minute
)

// streamSafetyChecker detects a model stuck repeating the same delta or
// going silent between deltas.
type streamSafetyChecker struct {
	lastChunkHash [32]byte
	repeatCount   int
	maxRepeats    int
	lastChunkTime time.Time
	idleTimeout   time.Duration
	now           func() time.Time
}

func newStreamSafetyChecker(maxRepeats int, idleTimeout time.Duration) *streamSafetyChecker {
	if maxRepeats <= 0 {
		maxRepeats = defaultMaxRepeats
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultStreamIdle
	}
	return &streamSafetyChecker{maxRepeats: maxRepeats, idleTimeout: idleTimeout, now: time.Now}
}

// Check returns a non-empty reason when the stream should be aborted.
func (s *streamSafetyChecker) Check(c Chunk) string {
	now := s.now()
	if !s.lastChunkTime.IsZero() && now.Sub(s.lastChunkTime) > s.idleTimeout {
		return "stream idle timeout exceeded"
	}
	s.lastChunkTime = now

	data := chunkFingerprint(c)
	if len(data) == 0 {
		return ""
	}
	hash := sha256.Sum256(data)
	if hash == s.lastChunkHash {
		s.repeatCount++
		if s.repeatCount >= s.maxRepeats {
			return "repeated chunk detected"
		}
	} else {
		s.repeatCount = 0
		s.lastChunkHash = hash
	}
	return ""
}

func chunkFingerprint(c Chunk) []byte {
	if c.Content == "" && len(c.ToolCalls) == 0 {
		return nil
	}
	b := []byte(c.Content)
	for _, tc := range c.ToolCalls {
		b = append(b, 0)
		b = append(b, tc.ID...)
		b = append(b, 0)
		b = append(b, tc.Name...)
		b = append(b, 0)
		b = append(b, tc.Arguments...)
	}
	return b
}
