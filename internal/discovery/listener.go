// Package discovery wraps github.com/grandcat/zeroconf to browse for
// controller buses advertised over mDNS/DNS-SD. It supports both the legacy
// and current service schemas a controller may advertise itself under.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"golang.org/x/sync/errgroup"

	"github.com/turris-cz/foris-forwarder-go/internal/ctrlid"
	"github.com/turris-cz/foris-forwarder-go/internal/supervisor"
)

const (
	// TypeLegacy and TypeCurrent are the two service types a controller
	// may advertise itself under.
	TypeLegacy  = "_mqtt._tcp"
	TypeCurrent = "_fosquitto._tcp"
	domain      = "local."

	// staleAfter is how long a previously seen instance may go
	// unconfirmed by a fresh browse result before StaleIDs reports it.
	// grandcat/zeroconf has no explicit "service removed"
	// event, so removal is synthesized from TTL-style staleness instead.
	staleAfter = 5 * time.Minute
)

var legacyNamePattern = regexp.MustCompile(`^([0-9a-fA-F]{16})\b`)

// UpdateFunc is invoked every time the candidate endpoint set for a
// controller identity changes.
type UpdateFunc func(id ctrlid.ID, candidates []supervisor.Candidate)

// Listener browses both service schemas and reports discovered endpoints
// through an UpdateFunc.
type Listener struct {
	resolver *zeroconf.Resolver
	logger   *slog.Logger

	mu       sync.Mutex
	onUpdate UpdateFunc
	lastSeen map[string]time.Time
}

// New creates a Listener using the default system resolver configuration.
func New(logger *slog.Logger) (*Listener, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: create resolver: %w", err)
	}
	return &Listener{resolver: resolver, logger: logger, lastSeen: make(map[string]time.Time)}, nil
}

// SetOnUpdate installs fn as the handler for candidate set changes,
// replacing whatever was previously installed.
func (l *Listener) SetOnUpdate(fn UpdateFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onUpdate = fn
}

// Run browses both service types until ctx is done, dispatching every
// extracted entry to the installed UpdateFunc. It blocks until ctx is
// cancelled or a browse fails.
func (l *Listener) Run(ctx context.Context) error {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	go l.consume(ctx, entries)

	var g errgroup.Group
	for _, svcType := range []string{TypeCurrent, TypeLegacy} {
		svcType := svcType
		g.Go(func() error {
			if err := l.resolver.Browse(ctx, svcType, domain, entries); err != nil {
				return fmt.Errorf("discovery: browse %s: %w", svcType, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (l *Listener) consume(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			l.handle(entry)
		}
	}
}

func (l *Listener) handle(entry *zeroconf.ServiceEntry) {
	id, candidates, ok := extract(entry)
	if !ok {
		l.logger.Debug("discovery: entry did not match a known schema", slog.String("instance", entry.Instance))
		return
	}

	l.mu.Lock()
	l.lastSeen[id.String()] = time.Now()
	fn := l.onUpdate
	l.mu.Unlock()

	if fn != nil {
		fn(id, candidates)
	}
}

// extract pulls a controller identity and endpoint candidates out of a
// discovered entry, trying the current schema first and falling back to
// the legacy one.
func extract(entry *zeroconf.ServiceEntry) (ctrlid.ID, []supervisor.Candidate, bool) {
	if id, candidates, ok := extractCurrent(entry); ok {
		return id, candidates, true
	}
	return extractLegacy(entry)
}

// extractCurrent implements the new schema: a "id" TXT property holding
// the 16-hex controller id, addresses taken directly from the resolved
// A (IPv4) records; AAAA records are not used.
func extractCurrent(entry *zeroconf.ServiceEntry) (ctrlid.ID, []supervisor.Candidate, bool) {
	raw, ok := txtValue(entry.Text, "id")
	if !ok {
		return "", nil, false
	}
	id, err := ctrlid.Parse(raw)
	if err != nil {
		return "", nil, false
	}
	return id, addressCandidates(entry.AddrIPv4, entry.Port), true
}

// extractLegacy implements the old schema: the controller id is the
// leading 16-hex characters of the instance name, and the address list is
// carried as a JSON array in an "addresses" TXT property. When that
// property is missing or is not a JSON string array, the resolved A (IPv4)
// records are used instead.
func extractLegacy(entry *zeroconf.ServiceEntry) (ctrlid.ID, []supervisor.Candidate, bool) {
	m := legacyNamePattern.FindStringSubmatch(entry.Instance)
	if m == nil {
		return "", nil, false
	}
	id, err := ctrlid.Parse(m[1])
	if err != nil {
		return "", nil, false
	}

	raw, ok := txtValue(entry.Text, "addresses")
	if !ok {
		return id, addressCandidates(entry.AddrIPv4, entry.Port), true
	}

	var addrs []string
	if err := json.Unmarshal([]byte(raw), &addrs); err != nil {
		return id, addressCandidates(entry.AddrIPv4, entry.Port), true
	}

	candidates := make([]supervisor.Candidate, 0, len(addrs))
	for _, a := range addrs {
		ip, port, ok := splitHostPort(a, entry.Port)
		if !ok {
			continue
		}
		candidates = append(candidates, supervisor.Candidate{Address: ip, Port: port})
	}
	return id, candidates, true
}

func txtValue(records []string, key string) (string, bool) {
	prefix := key + "="
	for _, r := range records {
		if strings.HasPrefix(r, prefix) {
			return strings.TrimPrefix(r, prefix), true
		}
	}
	return "", false
}

func addressCandidates(ips []net.IP, port int) []supervisor.Candidate {
	out := make([]supervisor.Candidate, 0, len(ips))
	for _, ip := range ips {
		out = append(out, supervisor.Candidate{Address: ip.String(), Port: port})
	}
	return out
}

// StaleIDs returns the controller identities that were last confirmed by a
// browse result more than staleAfter ago, and forgets them so repeated
// calls do not keep reporting the same staleness. Callers use this to
// detect a controller that has gone off the network, the closest analogue
// this schema has to the legacy ServiceBrowser's explicit remove event.
func (l *Listener) StaleIDs() []ctrlid.ID {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stale []ctrlid.ID
	now := time.Now()
	for idStr, seenAt := range l.lastSeen {
		if now.Sub(seenAt) > staleAfter {
			stale = append(stale, ctrlid.ID(idStr))
			delete(l.lastSeen, idStr)
		}
	}
	return stale
}

// splitHostPort parses "addr" or "addr:port" entries from the legacy
// schema's addresses TXT field, defaulting to defaultPort when no port is
// present.
func splitHostPort(raw string, defaultPort int) (string, int, bool) {
	if !strings.Contains(raw, ":") {
		return raw, defaultPort, true
	}
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}
