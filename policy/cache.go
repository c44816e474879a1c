package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
)

type cachedDecision struct {
	decision Decision
	storedAt time.Time
}

// decisionCache is read-shared, write-exclusive. Only SetPolicies and
// InvalidatePolicyCache mutate it; versioned keys make stale entries
// unreachable after either call.
type decisionCache struct {
	mu      sync.RWMutex
	entries map[string]cachedDecision
	ttl     time.Duration
}

func newDecisionCache() *decisionCache {
	return &decisionCache{entries: make(map[string]cachedDecision)}
}

func (c *decisionCache) get(key string) (Decision, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Decision{}, false
	}
	if c.ttl > 0 && time.Since(entry.storedAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return Decision{}, false
	}
	return entry.decision.clone(), true
}

func (c *decisionCache) put(key string, decision Decision) {
	c.mu.Lock()
	c.entries[key] = cachedDecision{decision: decision.clone(), storedAt: time.Now()}
	c.mu.Unlock()
}

func (c *decisionCache) dropResource(resource string) {
	prefix := "|" + resource + "|"
	c.mu.Lock()
	for key := range c.entries {
		if strings.Contains(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func cacheKey(tenant, resource, action, fingerprint string, version uint64) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", tenant, resource, action, fingerprint, version)
}

// contextFingerprint hashes the caller identity and record view so decisions
// for distinct contexts never collide in the cache.
func contextFingerprint(execCtx lifecycle.ExecutionContext, record map[string]any) string {
	payload := struct {
		Actor  string         `json:"actor"`
		Roles  []string       `json:"roles"`
		Groups []string       `json:"groups"`
		Tenant string         `json:"tenant"`
		Attrs  map[string]any `json:"attrs,omitempty"`
		Record map[string]any `json:"record,omitempty"`
	}{
		Actor:  execCtx.ActorID,
		Roles:  execCtx.Roles,
		Groups: execCtx.Groups,
		Tenant: execCtx.Tenant,
		Attrs:  execCtx.Attributes,
		Record: record,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		// Unmarshalable contexts get a per-call key and skip cache reuse.
		raw = []byte(fmt.Sprintf("%v|%d", payload, time.Now().UnixNano()))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}
