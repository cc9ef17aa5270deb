package api

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// submitLimiter bounds how many create-action, add-task and run requests
// one principal (or
// the whole server) may make per minute, using a sliding window of
// request timestamps rather than a token bucket.
type submitLimiter struct {
	mu              sync.Mutex
	perPrincipalMax int
	globalMax       int
	window          time.Duration
	byPrincipal     map[string][]int64
	global          []int64
}

func newSubmitLimiterFromEnv() *submitLimiter {
	perPrincipal := getenvIntRL("ORCHESTRATOR_SUBMIT_RATE_LIMIT_PER_MIN", 120)
	global := getenvIntRL("ORCHESTRATOR_SUBMIT_GLOBAL_RATE_LIMIT_PER_MIN", 1000)
	if perPrincipal < 0 {
		perPrincipal = 0
	}
	if global < 0 {
		global = 0
	}
	return &submitLimiter{
		perPrincipalMax: perPrincipal,
		globalMax:       global,
		window:          time.Minute,
		byPrincipal:     map[string][]int64{},
		global:          make([]int64, 0, 1024),
	}
}

func (l *submitLimiter) allow(principalID string, now time.Time) bool {
	if l == nil || (l.perPrincipalMax == 0 && l.globalMax == 0) {
		return true
	}
	ts := now.UTC().Unix()
	cutoff := ts - int64(l.window.Seconds())
	if principalID == "" {
		principalID = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.global = trimCutoff(l.global, cutoff)
	if l.globalMax > 0 && len(l.global) >= l.globalMax {
		return false
	}

	history := trimCutoff(l.byPrincipal[principalID], cutoff)
	if l.perPrincipalMax > 0 && len(history) >= l.perPrincipalMax {
		l.byPrincipal[principalID] = history
		return false
	}

	history = append(history, ts)
	l.byPrincipal[principalID] = history
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

func getenvIntRL(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
