package api

import (
	"sync"
	"time"
)

// submitLimiter bounds task submissions per client and globally over a
// sliding one-minute window. A max of 0 disables that bound.
type submitLimiter struct {
	mu           sync.Mutex
	perClientMax int
	globalMax    int
	window       time.Duration
	clients      map[string][]int64
	global       []int64
}

func newSubmitLimiter(perClient, global int) *submitLimiter {
	if perClient < 0 {
		perClient = 0
	}
	if global < 0 {
		global = 0
	}
	return &submitLimiter{
		perClientMax: perClient,
		globalMax:    global,
		window:       time.Minute,
		clients:      map[string][]int64{},
		global:       make([]int64, 0, 1024),
	}
}

func (l *submitLimiter) allow(clientID string, now time.Time) bool {
	if l == nil || (l.perClientMax == 0 && l.globalMax == 0) {
		return true
	}
	ts := now.UTC().Unix()
	cutoff := ts - int64(l.window.Seconds())
	if clientID == "" {
		clientID = "default"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.global = trimCutoff(l.global, cutoff)
	if l.globalMax > 0 && len(l.global) >= l.globalMax {
		return false
	}

	history := trimCutoff(l.clients[clientID], cutoff)
	if l.perClientMax > 0 && len(history) >= l.perClientMax {
		l.clients[clientID] = history
		return false
	}

	history = append(history, ts)
	l.clients[clientID] = history
	l.global = append(l.global, ts)
	return true
}

func trimCutoff(in []int64, cutoff int64) []int64 {
	if len(in) == 0 {
		return in
	}
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}
