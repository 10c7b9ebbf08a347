// Package identity implements the fabric's identity subsystem: agent-ID
// claims, HMAC-signed certificates, expiry, and conflict resolution on
// reconnect (spec §3, §4.B).
package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openmesh/fabric/internal/clock"
	"github.com/openmesh/fabric/internal/metrics"
)

// DefaultTTL is the certificate lifetime used when a network isn't
// configured with an explicit identity_ttl_hours.
const DefaultTTL = 24 * time.Hour

// Certificate binds an agent_id to a time window, signed with the
// manager's secret. Field names and types match the on-disk format in
// spec §6 exactly -- this struct IS that wire format.
type Certificate struct {
	AgentID         string    `json:"agent_id"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	CertificateHash string    `json:"certificate_hash"`
	Signature       string    `json:"signature"`
}

// Store persists issued certificates so a manager can survive a restart.
// Implemented by internal/store against bbolt; tests may use an
// in-memory stub.
type Store interface {
	SaveCertificate(agentID string, data []byte) error
	GetCertificate(agentID string) ([]byte, error)
	DeleteCertificate(agentID string) error
	ListCertificates() (map[string][]byte, error)
}

// Manager owns the agent-ID claim table and the secret used to sign
// certificates. One Manager belongs to exactly one network service --
// there is no process-wide global (spec §9).
type Manager struct {
	mu    sync.Mutex
	certs map[string]*Certificate
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
	store  Store // optional; nil disables persistence
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithSecret supplies a pre-existing 32-byte secret instead of generating
// one. Useful for multi-process deployments that must share a secret, and
// for deterministic tests.
func WithSecret(secret []byte) Option {
	return func(m *Manager) { m.secret = secret }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithClock overrides the real clock, for deterministic expiry tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithStore enables certificate persistence.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// New creates a Manager. If no secret is supplied via WithSecret, a fresh
// 32-byte secret is generated.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		certs: make(map[string]*Certificate),
		ttl:   DefaultTTL,
		clock: clock.Real{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.secret == nil {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate identity secret: %w", err)
		}
		m.secret = secret
	}
	if m.store != nil {
		if err := m.loadFromStore(); err != nil {
			return nil, fmt.Errorf("load certificates: %w", err)
		}
	}
	return m, nil
}

func (m *Manager) loadFromStore() error {
	raw, err := m.store.ListCertificates()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for agentID, data := range raw {
		var cert Certificate
		if err := json.Unmarshal(data, &cert); err != nil {
			continue // corrupt record -- skip, agent will re-claim
		}
		m.certs[agentID] = &cert
	}
	m.updateActiveGaugeLocked()
	return nil
}

// Claim issues a fresh certificate for agentID. Returns nil if the ID is
// already claimed (by a live, unexpired certificate) and force is false.
// With force true, any prior certificate is discarded -- the previously
// issued certificate will subsequently fail Validate.
func (m *Manager) Claim(agentID string, force bool) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()

	if existing, ok := m.certs[agentID]; ok && !force {
		if m.clock.Now().Before(existing.ExpiresAt) {
			return nil, nil
		}
	}

	now := m.clock.Now()
	cert := &Certificate{
		AgentID:   agentID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	cert.CertificateHash = m.hashCanonical(cert)
	cert.Signature = m.signCanonical(cert)

	m.certs[agentID] = cert
	m.persist(cert)
	m.updateActiveGaugeLocked()
	return cert, nil
}

// Validate recomputes the certificate's hash and signature from its
// claimed agent_id/issued_at/expires_at and compares them, in constant
// time, both against the fields the certificate itself presents (catches
// a forged hash/signature) and against the manager's stored record for
// that agent_id (catches a certificate that isn't the one currently
// issued, e.g. after a force-reclaim). Rejects unknown or expired
// certificates. Never reveals which check failed beyond the boolean.
func (m *Manager) Validate(cert *Certificate) bool {
	if cert == nil {
		return false
	}

	recomputedHash := m.hashCanonical(cert)
	recomputedSig := m.signCanonical(cert)

	selfConsistent := hmac.Equal([]byte(recomputedHash), []byte(cert.CertificateHash)) &&
		hmac.Equal([]byte(recomputedSig), []byte(cert.Signature))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()

	stored, ok := m.certs[cert.AgentID]
	matchesIssued := ok && hmac.Equal([]byte(recomputedHash), []byte(stored.CertificateHash)) &&
		hmac.Equal([]byte(recomputedSig), []byte(stored.Signature))

	if !ok || !matchesIssued || !selfConsistent {
		return false
	}
	return m.clock.Now().Before(stored.ExpiresAt)
}

// Release removes agentID's claim. Idempotent.
func (m *Manager) Release(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.certs, agentID)
	if m.store != nil {
		_ = m.store.DeleteCertificate(agentID)
	}
	m.updateActiveGaugeLocked()
}

// IsClaimed reports whether agentID currently holds a live certificate.
func (m *Manager) IsClaimed(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	cert, ok := m.certs[agentID]
	return ok && m.clock.Now().Before(cert.ExpiresAt)
}

// Get returns the current certificate for agentID, if any.
func (m *Manager) Get(agentID string) (*Certificate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	cert, ok := m.certs[agentID]
	return cert, ok
}

// Sweep removes expired entries. Safe to call concurrently; also invoked
// lazily on every query. The network service additionally schedules this
// on a coarse timer (ttl/10).
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
}

func (m *Manager) sweepLocked() {
	now := m.clock.Now()
	swept := false
	for id, cert := range m.certs {
		if now.After(cert.ExpiresAt) {
			delete(m.certs, id)
			if m.store != nil {
				_ = m.store.DeleteCertificate(id)
			}
			swept = true
		}
	}
	if swept {
		m.updateActiveGaugeLocked()
	}
}

// updateActiveGaugeLocked syncs the active-certificates gauge to the
// current claim table size. Called under m.mu after every mutation so the
// gauge always reflects live certificates rather than a running total.
func (m *Manager) updateActiveGaugeLocked() {
	metrics.IdentityCertificatesActive.Set(float64(len(m.certs)))
}

func (m *Manager) persist(cert *Certificate) {
	if m.store == nil {
		return
	}
	data, err := json.Marshal(cert)
	if err != nil {
		return
	}
	_ = m.store.SaveCertificate(cert.AgentID, data)
}

// canonical returns the deterministic JSON form of the three signed
// fields. Field order is fixed by this anonymous struct's declaration
// order, making the encoding stable across processes.
func canonical(agentID string, issuedAt, expiresAt time.Time) []byte {
	doc := struct {
		AgentID   string    `json:"agent_id"`
		IssuedAt  time.Time `json:"issued_at"`
		ExpiresAt time.Time `json:"expires_at"`
	}{agentID, issuedAt, expiresAt}
	b, _ := json.Marshal(doc)
	return b
}

func (m *Manager) hashCanonical(cert *Certificate) string {
	sum := sha256.Sum256(canonical(cert.AgentID, cert.IssuedAt, cert.ExpiresAt))
	return fmt.Sprintf("%x", sum)
}

func (m *Manager) signCanonical(cert *Certificate) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(canonical(cert.AgentID, cert.IssuedAt, cert.ExpiresAt))
	return fmt.Sprintf("%x", mac.Sum(nil))
}
