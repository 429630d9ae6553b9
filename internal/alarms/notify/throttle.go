package notify

import (
	"crypto/sha1"
	"encoding/hex"
	"sync"
	"time"
)

type sendRecord struct {
	at   time.Time
	hash string
}

// throttle suppresses repeats per alarm and event: anything within the
// cooldown, and identical content within the dedupe window.
type throttle struct {
	cooldown time.Duration
	window   time.Duration

	mu   sync.Mutex
	sent map[string]sendRecord
}

func newThrottle() *throttle {
	return &throttle{sent: make(map[string]sendRecord)}
}

func (t *throttle) enabled() bool {
	return t.cooldown > 0 || t.window > 0
}

func (t *throttle) allow(alarmID, event, content string, now time.Time) bool {
	if !t.enabled() {
		return true
	}
	t.mu.Lock()
	last, ok := t.sent[throttleKey(alarmID, event)]
	t.mu.Unlock()
	if !ok {
		return true
	}
	elapsed := now.Sub(last.at)
	if t.cooldown > 0 && elapsed < t.cooldown {
		return false
	}
	if t.window > 0 && elapsed < t.window && last.hash == fingerprint(content) {
		return false
	}
	return true
}

func (t *throttle) record(alarmID, event, content string, now time.Time) {
	if !t.enabled() {
		return
	}
	t.mu.Lock()
	t.sent[throttleKey(alarmID, event)] = sendRecord{at: now, hash: fingerprint(content)}
	t.mu.Unlock()
}

// forget drops history for an alarm once it is cleared.
func (t *throttle) forget(alarmID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.sent {
		if len(key) > len(alarmID) && key[:len(alarmID)+1] == alarmID+"|" {
			delete(t.sent, key)
		}
	}
}

func throttleKey(alarmID, event string) string {
	return alarmID + "|" + event
}

func fingerprint(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}
