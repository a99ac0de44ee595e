package tenancy

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DatabasePerTenantConfig configures DatabasePerTenantStrategy.
type DatabasePerTenantConfig struct {
	// ConnectionTemplate supports {tenant}, {tenant_hash}, {host}, {port}
	// placeholders.
	ConnectionTemplate string
	DatabasePrefix     string
	DatabaseSuffix     string
	DefaultHost        string
	DefaultPort        int
	SystemDatabase     string
	TenantIDPattern    string
	MaxTenantIDLength  int
	// MaxPools bounds the number of cached pools; 0 means unbounded.
	MaxPools int
	// IdleTimeout marks a pool idle-evictable once unused this long; 0
	// disables idle eviction.
	IdleTimeout time.Duration
}

// DefaultDatabasePerTenantConfig returns a template/prefix scheme suitable
// for a local Postgres cluster.
func DefaultDatabasePerTenantConfig() DatabasePerTenantConfig {
	return DatabasePerTenantConfig{
		ConnectionTemplate: "postgres://{user}:{password}@{host}:{port}/{tenant}_db",
		DatabasePrefix:     "tenant_",
		DefaultHost:        "localhost",
		DefaultPort:        5432,
		SystemDatabase:     "fhircore_system",
		TenantIDPattern:    DefaultTenantIDPattern,
		MaxTenantIDLength:  32,
		MaxPools:           100,
		IdleTimeout:        5 * time.Minute,
	}
}

// poolEntry tracks one cached connection pool and its last access time
// for LRU eviction.
type poolEntry struct {
	pool       io.Closer
	lastAccess time.Time
}

// DatabasePerTenantStrategy gives each tenant a dedicated database and
// caches one connection pool per tenant, evicting least-recently-used
// pools once MaxPools is exceeded and idle pools past IdleTimeout.
type DatabasePerTenantStrategy struct {
	cfg     DatabasePerTenantConfig
	pattern *regexp.Regexp
	mu      sync.Mutex
	pools   map[string]*poolEntry
}

// NewDatabasePerTenantStrategy builds a strategy from cfg, applying
// defaults for zero-valued fields.
func NewDatabasePerTenantStrategy(cfg DatabasePerTenantConfig) (*DatabasePerTenantStrategy, error) {
	d := DefaultDatabasePerTenantConfig()
	if cfg.ConnectionTemplate != "" {
		d.ConnectionTemplate = cfg.ConnectionTemplate
	}
	if cfg.DatabasePrefix != "" {
		d.DatabasePrefix = cfg.DatabasePrefix
	}
	if cfg.DatabaseSuffix != "" {
		d.DatabaseSuffix = cfg.DatabaseSuffix
	}
	if cfg.DefaultHost != "" {
		d.DefaultHost = cfg.DefaultHost
	}
	if cfg.DefaultPort != 0 {
		d.DefaultPort = cfg.DefaultPort
	}
	if cfg.SystemDatabase != "" {
		d.SystemDatabase = cfg.SystemDatabase
	}
	if cfg.TenantIDPattern != "" {
		d.TenantIDPattern = cfg.TenantIDPattern
	}
	if cfg.MaxTenantIDLength != 0 {
		d.MaxTenantIDLength = cfg.MaxTenantIDLength
	}
	if cfg.MaxPools != 0 {
		d.MaxPools = cfg.MaxPools
	}
	if cfg.IdleTimeout != 0 {
		d.IdleTimeout = cfg.IdleTimeout
	}

	re, err := regexp.Compile(d.TenantIDPattern)
	if err != nil {
		return nil, err
	}
	return &DatabasePerTenantStrategy{cfg: d, pattern: re, pools: make(map[string]*poolEntry)}, nil
}

// DatabaseName computes the tenant's dedicated database name.
func (s *DatabasePerTenantStrategy) DatabaseName(tenantID string) string {
	return s.cfg.DatabasePrefix + sanitizeTenantID(tenantID, s.cfg.MaxTenantIDLength) + s.cfg.DatabaseSuffix
}

// ConnectionString renders the connection template for a tenant.
func (s *DatabasePerTenantStrategy) ConnectionString(tenantID, user, password string) string {
	sanitized := sanitizeTenantID(tenantID, s.cfg.MaxTenantIDLength)
	replacer := strings.NewReplacer(
		"{tenant}", sanitized,
		"{tenant_hash}", hashTenantID(tenantID),
		"{host}", s.cfg.DefaultHost,
		"{port}", strconv.Itoa(s.cfg.DefaultPort),
		"{user}", user,
		"{password}", password,
		"{database}", s.DatabaseName(tenantID),
	)
	return replacer.Replace(s.cfg.ConnectionTemplate)
}

func (s *DatabasePerTenantStrategy) Resolve(tenantID string) Resolution {
	s.recordAccess(tenantID)
	return Resolution{Kind: ResolutionDatabase, TenantID: tenantID, Connection: s.DatabaseName(tenantID)}
}

func (s *DatabasePerTenantStrategy) Validate(tenantID string) error {
	base := firstSegment(tenantID)
	if !s.pattern.MatchString(base) {
		return &ValidationError{TenantID: tenantID, Reason: fmt.Sprintf("does not match required pattern %s", s.pattern.String())}
	}
	if len(sanitizeTenantID(tenantID, s.cfg.MaxTenantIDLength)) > maxSanitizedLength {
		return &ValidationError{TenantID: tenantID, Reason: "sanitized tenant id would exceed database name length limit (63 chars)"}
	}
	return nil
}

func (s *DatabasePerTenantStrategy) SystemTenant() Resolution {
	return Resolution{Kind: ResolutionDatabase, TenantID: "system", Connection: s.cfg.SystemDatabase}
}

// PoolFactory opens a connection pool for a tenant's database connection
// string. Kept as a function type so this package never imports a
// concrete driver.
type PoolFactory func(connection string) (io.Closer, error)

// Acquire returns the cached pool for a tenant, opening one via factory
// on first use. It records the access for LRU/idle tracking and evicts
// the least-recently-used pool(s) if MaxPools is now exceeded.
func (s *DatabasePerTenantStrategy) Acquire(tenantID string, factory PoolFactory) (io.Closer, error) {
	s.mu.Lock()
	if entry, ok := s.pools[tenantID]; ok {
		entry.lastAccess = time.Now()
		pool := entry.pool
		s.mu.Unlock()
		return pool, nil
	}
	s.mu.Unlock()

	pool, err := factory(s.ConnectionString(tenantID, "", ""))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pools[tenantID] = &poolEntry{pool: pool, lastAccess: time.Now()}
	evicted := s.evictOverflowLocked()
	s.mu.Unlock()

	for _, e := range evicted {
		e.pool.Close()
	}
	return pool, nil
}

// evictOverflowLocked removes the least-recently-used pools beyond
// MaxPools. Caller must hold s.mu.
func (s *DatabasePerTenantStrategy) evictOverflowLocked() []*poolEntry {
	if s.cfg.MaxPools <= 0 || len(s.pools) <= s.cfg.MaxPools {
		return nil
	}
	all := make([]poolKey, 0, len(s.pools))
	for id, e := range s.pools {
		all = append(all, poolKey{id, e})
	}
	sortByLastAccess(all)

	toEvict := len(s.pools) - s.cfg.MaxPools
	evicted := make([]*poolEntry, 0, toEvict)
	for i := 0; i < toEvict; i++ {
		delete(s.pools, all[i].id)
		evicted = append(evicted, all[i].entry)
	}
	return evicted
}

// poolKey pairs a tenant id with its pool entry for LRU sorting.
type poolKey struct {
	id    string
	entry *poolEntry
}

// sortByLastAccess orders entries oldest-accessed first via insertion
// sort: pool counts stay small (bounded by MaxPools) so this never needs
// to beat an O(n log n) sort.
func sortByLastAccess(all []poolKey) {
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j-1].entry.lastAccess.After(all[j].entry.lastAccess); j-- {
			all[j-1], all[j] = all[j], all[j-1]
		}
	}
}

func (s *DatabasePerTenantStrategy) recordAccess(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.pools[tenantID]; ok {
		e.lastAccess = time.Now()
	}
}

// IdleTenants returns tenant ids whose pools have gone unused longer than
// IdleTimeout, for a caller to close and evict.
func (s *DatabasePerTenantStrategy) IdleTenants(now time.Time) []string {
	if s.cfg.IdleTimeout <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var idle []string
	for id, e := range s.pools {
		if now.Sub(e.lastAccess) > s.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	return idle
}

// EvictIdle closes and removes every pool past IdleTimeout as of now.
func (s *DatabasePerTenantStrategy) EvictIdle(now time.Time) {
	for _, id := range s.IdleTenants(now) {
		s.mu.Lock()
		e, ok := s.pools[id]
		if ok {
			delete(s.pools, id)
		}
		s.mu.Unlock()
		if ok {
			e.pool.Close()
		}
	}
}

// PoolCount reports how many tenant pools are currently cached.
func (s *DatabasePerTenantStrategy) PoolCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pools)
}
