package main

import (
	"fmt"
	"sort"
	"sync"

	"meshcounter/pkg/protocol/codec"
)

// attendanceType is the mesh message type of attendance reports.
const attendanceType = "attendance"

// attendance is one device's running check-in count.
type attendance struct {
	DeviceID string `json:"deviceId"`
	Count    int64  `json:"count"`
	Sequence uint64 `json:"sequence"`
}

// tally keeps the latest attendance report of every device, including
// the local one.
type tally struct {
	mu     sync.Mutex
	latest map[string]attendance
}

func newTally() *tally { return &tally{latest: make(map[string]attendance)} }

// apply records a report unless a newer one from the same device is
// already known. It reports whether the tally changed.
func (t *tally) apply(a attendance) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.latest[a.DeviceID]; ok && cur.Sequence >= a.Sequence {
		return false
	}
	t.latest[a.DeviceID] = a
	return true
}

// total sums the latest count of every device.
func (t *tally) total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum int64
	for _, a := range t.latest {
		sum += a.Count
	}
	return sum
}

func (t *tally) devices() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.latest))
	for id := range t.latest {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func decodeAttendance(c codec.Codec, data []byte) (attendance, error) {
	var a attendance
	if err := c.Unmarshal(data, &a); err != nil {
		return attendance{}, fmt.Errorf("attendance: %w", err)
	}
	if a.DeviceID == "" {
		return attendance{}, fmt.Errorf("attendance: missing deviceId")
	}
	return a, nil
}
