package sip

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// ipRecord tracks per-IP authentication failure state.
type ipRecord struct {
	failures  []time.Time   // timestamps of recent failures within the window
	blocked   bool          // whether the IP is currently blocked
	blockedAt time.Time     // when the block was applied
	blockFor  time.Duration // how long this block lasts (progressive)
}

// BruteForceGuard tracks failed SIP authentication attempts per source IP
// and automatically blocks IPs that exceed the failure threshold. It
// implements fail2ban-style progressive blocking:
//
//   - After maxAttempts failures within window, the IP is blocked for
//     lockout.
//   - Repeated offences double the block duration up to 24h.
//   - Blocks expire automatically and the failure counter resets.
type BruteForceGuard struct {
	mu      sync.Mutex
	records map[string]*ipRecord
	logger  *slog.Logger

	maxAttempts int
	lockout     time.Duration
	window      time.Duration
	maxLockout  time.Duration
}

// NewBruteForceGuard creates a guard tuned by the given thresholds.
func NewBruteForceGuard(maxAttempts int, lockout, window time.Duration, logger *slog.Logger) *BruteForceGuard {
	return &BruteForceGuard{
		records:     make(map[string]*ipRecord),
		logger:      logger.With("subsystem", "bruteforce"),
		maxAttempts: maxAttempts,
		lockout:     lockout,
		window:      window,
		maxLockout:  24 * time.Hour,
	}
}

// IsBlocked returns true if the given source address is currently blocked.
// The source may be "ip:port" or just "ip".
func (g *BruteForceGuard) IsBlocked(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blocked {
		return false
	}

	if time.Since(rec.blockedAt) > rec.blockFor {
		rec.blocked = false
		rec.failures = nil
		return false
	}

	return true
}

// RecordFailure records a failed authentication attempt from the given source.
// Once the failure count reaches the threshold, the IP is blocked automatically.
func (g *BruteForceGuard) RecordFailure(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		rec = &ipRecord{blockFor: g.lockout}
		g.records[ip] = rec
	}

	if rec.blocked {
		return
	}

	now := time.Now()
	rec.failures = pruneOldFailures(rec.failures, now, g.window)
	rec.failures = append(rec.failures, now)

	if len(rec.failures) >= g.maxAttempts {
		// A first block lasts lockout; a repeat offence doubles the
		// previous block duration, capped at maxLockout.
		if !rec.blockedAt.IsZero() {
			nextBlock := rec.blockFor * 2
			if nextBlock > g.maxLockout {
				nextBlock = g.maxLockout
			}
			rec.blockFor = nextBlock
		}

		rec.blocked = true
		rec.blockedAt = now
		rec.failures = nil

		g.logger.Warn("ip blocked due to excessive failed sip auth attempts",
			"ip", ip,
			"block_duration", rec.blockFor.String(),
		)
	}
}

// RecordSuccess clears the failure counter for a source IP on successful auth.
// The progressive block duration is preserved so repeat offenders still get
// longer blocks if they fail again.
func (g *BruteForceGuard) RecordSuccess(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[ip]; ok {
		rec.failures = nil
	}
}

// Cleanup removes expired blocks and stale records. Should be called
// periodically (e.g. alongside nonce cleanup).
func (g *BruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for ip, rec := range g.records {
		if rec.blocked && now.Sub(rec.blockedAt) > rec.blockFor {
			rec.blocked = false
			rec.failures = nil
		}
		if !rec.blocked && len(rec.failures) == 0 {
			delete(g.records, ip)
		}
	}
}

// BlockedIPEntry represents a single blocked IP for admin display.
type BlockedIPEntry struct {
	IP        string
	BlockedAt time.Time
	ExpiresAt time.Time
}

// BlockedIPs returns a snapshot of currently blocked IP addresses and when
// their block expires. Exposed for the embedding application's admin
// surface; the core itself never reads this.
func (g *BruteForceGuard) BlockedIPs() []BlockedIPEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	var entries []BlockedIPEntry
	for ip, rec := range g.records {
		if rec.blocked && now.Sub(rec.blockedAt) <= rec.blockFor {
			entries = append(entries, BlockedIPEntry{
				IP:        ip,
				BlockedAt: rec.blockedAt,
				ExpiresAt: rec.blockedAt.Add(rec.blockFor),
			})
		}
	}
	return entries
}

// LockedOutCount returns the number of source IPs currently blocked.
func (g *BruteForceGuard) LockedOutCount() int {
	return len(g.BlockedIPs())
}

// UnblockIP manually removes a block for the given IP address. Returns true
// if the IP was found and unblocked.
func (g *BruteForceGuard) UnblockIP(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blocked {
		return false
	}

	rec.blocked = false
	rec.failures = nil
	g.logger.Info("ip manually unblocked", "ip", ip)
	return true
}

// extractIP parses the IP from a "host:port" string or returns the raw
// string if it's already an IP.
func extractIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}

// pruneOldFailures returns only failures within the given window.
func pruneOldFailures(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	var pruned []time.Time
	for _, t := range failures {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	return pruned
}
