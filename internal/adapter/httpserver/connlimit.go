package httpserver

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultMaxConnections      = 1000
	defaultMaxConnectionsPerIP = 20
)

type limitReason string

const (
	limitReasonGlobal limitReason = "global_limit"
	limitReasonPerIP  limitReason = "per_ip_limit"
)

// ConnectionLimits caps concurrent dashboard WebSocket connections per
// instance and per client IP.
type ConnectionLimits struct {
	mu       sync.Mutex
	total    int
	max      int
	perIP    map[string]int
	maxPerIP int
	rejected *prometheus.CounterVec
}

// NewConnectionLimits creates a limiter. rejected may be nil.
func NewConnectionLimits(maxTotal, maxPerIP int, rejected *prometheus.CounterVec) *ConnectionLimits {
	return &ConnectionLimits{
		max:      maxTotal,
		perIP:    make(map[string]int),
		maxPerIP: maxPerIP,
		rejected: rejected,
	}
}

// Acquire reserves a slot for ip. Every successful Acquire needs a Release.
func (l *ConnectionLimits) Acquire(ip string) (bool, limitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var reason limitReason
	switch {
	case l.total >= l.max:
		reason = limitReasonGlobal
	case l.perIP[ip] >= l.maxPerIP:
		reason = limitReasonPerIP
	default:
		l.total++
		l.perIP[ip]++
		return true, ""
	}

	if l.rejected != nil {
		l.rejected.WithLabelValues(string(reason)).Inc()
	}
	return false, reason
}

func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, ok := l.perIP[ip]
	if !ok {
		return
	}
	if count <= 1 {
		delete(l.perIP, ip)
	} else {
		l.perIP[ip] = count - 1
	}
	l.total--
}

// Current returns the number of held slots overall and for ip.
func (l *ConnectionLimits) Current(ip string) (total, forIP int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, l.perIP[ip]
}
