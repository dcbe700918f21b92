package interswarm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mail-swarm/mail/pkg/logger"
)

const registryComponent = "registry"

// RegistryConfig wires a swarm registry.
type RegistryConfig struct {
	LocalSwarmName   string
	LocalBaseURL     string
	File             string
	HealthInterval   time.Duration
	FailureThreshold int
	HTTPClient       *http.Client
}

// Registry is the local directory of known peer swarms: persistence for
// non-volatile entries, liveness via periodic health checks, and
// env-resolved credentials.
type Registry struct {
	mu sync.RWMutex

	localName    string
	localBaseURL string
	file         string

	endpoints map[string]*Endpoint
	failures  map[string]int

	interval  time.Duration
	threshold int
	client    *http.Client

	stop    chan struct{}
	running bool
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Registry{
		localName:    cfg.LocalSwarmName,
		localBaseURL: cfg.LocalBaseURL,
		file:         cfg.File,
		endpoints:    make(map[string]*Endpoint),
		failures:     make(map[string]int),
		interval:     cfg.HealthInterval,
		threshold:    cfg.FailureThreshold,
		client:       cfg.HTTPClient,
	}
}

func (r *Registry) LocalSwarmName() string { return r.localName }
func (r *Registry) LocalBaseURL() string   { return r.localBaseURL }

// Register adds or replaces a peer entry. A persistent entry registered
// with a literal token has it converted to a ${SWARM_AUTH_TOKEN_<NAME>}
// reference; the literal never reaches disk. Persistent mutations are
// flushed immediately.
func (r *Registry) Register(ep Endpoint) error {
	if ep.SwarmName == "" || ep.BaseURL == "" {
		return fmt.Errorf("endpoint requires swarm_name and base_url")
	}
	if ep.SwarmName == r.localName {
		return fmt.Errorf("cannot register the local swarm %q as a peer", ep.SwarmName)
	}
	if ep.HealthURL == "" {
		ep.HealthURL = strings.TrimSuffix(ep.BaseURL, "/") + "/health"
	}
	if !ep.Volatile && ep.AuthTokenRef != "" && !IsEnvRef(ep.AuthTokenRef) {
		envVar := TokenEnvVar(ep.SwarmName)
		logger.InfoCF(registryComponent, "converting auth token to environment variable reference", map[string]any{
			"swarm": ep.SwarmName, "env_var": envVar,
		})
		ep.AuthTokenRef = "${" + envVar + "}"
	}
	ep.Active = true

	r.mu.Lock()
	r.endpoints[ep.SwarmName] = &ep
	r.failures[ep.SwarmName] = 0
	persistent := !ep.Volatile
	r.mu.Unlock()

	logger.InfoCF(registryComponent, "registered swarm", map[string]any{
		"swarm": ep.SwarmName, "base_url": ep.BaseURL, "volatile": ep.Volatile,
	})
	if persistent {
		return r.Save()
	}
	return nil
}

// Unregister removes a peer entry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	ep, ok := r.endpoints[name]
	if ok {
		delete(r.endpoints, name)
		delete(r.failures, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("swarm %q is not registered", name)
	}
	if !ep.Volatile {
		return r.Save()
	}
	return nil
}

// Get returns a copy of one peer entry.
func (r *Registry) Get(name string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

// List returns copies of all entries sorted by swarm name.
func (r *Registry) List() []Endpoint {
	r.mu.RLock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, *ep)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SwarmName < out[j].SwarmName })
	return out
}

// ResolveToken resolves a peer's bearer token at send time. An unset
// env reference is an error naming the missing variable.
func (r *Registry) ResolveToken(name string) (string, error) {
	r.mu.RLock()
	ep, ok := r.endpoints[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("swarm %q is not registered", name)
	}
	ref := ep.AuthTokenRef
	if ref == "" {
		return "", nil
	}
	if !IsEnvRef(ref) {
		return ref, nil
	}
	envVar := EnvRefVar(ref)
	token := os.Getenv(envVar)
	if token == "" {
		return "", fmt.Errorf("environment variable %q for swarm %q is not set", envVar, name)
	}
	return token, nil
}

// ValidateEnv reports, per referenced env var, whether it is set.
func (r *Registry) ValidateEnv() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool)
	for _, ep := range r.endpoints {
		if IsEnvRef(ep.AuthTokenRef) {
			envVar := EnvRefVar(ep.AuthTokenRef)
			out[envVar] = os.Getenv(envVar) != ""
		}
	}
	return out
}

// MigrateTokens converts any remaining literal tokens on persistent
// entries to env-var references and flushes the file.
func (r *Registry) MigrateTokens() error {
	migrated := 0
	r.mu.Lock()
	for name, ep := range r.endpoints {
		if ep.Volatile || ep.AuthTokenRef == "" || IsEnvRef(ep.AuthTokenRef) {
			continue
		}
		ep.AuthTokenRef = "${" + TokenEnvVar(name) + "}"
		migrated++
	}
	r.mu.Unlock()
	if migrated == 0 {
		return nil
	}
	logger.InfoCF(registryComponent, "migrated auth tokens to env references", map[string]any{
		"count": migrated,
	})
	return r.Save()
}

// MarkSeen refreshes a peer's liveness after successful inbound traffic.
func (r *Registry) MarkSeen(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[name]; ok {
		ep.LastSeen = time.Now().UTC()
		ep.Active = true
		r.failures[name] = 0
	}
}

// Save writes the non-volatile subset to the persistence file. Tokens
// are stored only as env-var references.
func (r *Registry) Save() error {
	if r.file == "" {
		return nil
	}
	r.mu.RLock()
	doc := registryFile{
		LocalSwarmName: r.localName,
		LocalBaseURL:   r.localBaseURL,
		Endpoints:      make(map[string]*Endpoint),
	}
	for name, ep := range r.endpoints {
		if ep.Volatile {
			continue
		}
		cp := *ep
		if cp.AuthTokenRef != "" && !IsEnvRef(cp.AuthTokenRef) {
			cp.AuthTokenRef = "${" + TokenEnvVar(name) + "}"
		}
		doc.Endpoints[name] = &cp
	}
	r.mu.RUnlock()

	if dir := filepath.Dir(r.file); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(r.file, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	logger.DebugCF(registryComponent, "saved persistent endpoints", map[string]any{
		"count": len(doc.Endpoints), "file": r.file,
	})
	return nil
}

// Load merges persisted entries into the registry. Entries already
// registered are left untouched.
func (r *Registry) Load() error {
	if r.file == "" {
		return nil
	}
	data, err := os.ReadFile(r.file)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var doc registryFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	loaded := 0
	r.mu.Lock()
	for name, ep := range doc.Endpoints {
		if name == r.localName {
			continue
		}
		if _, exists := r.endpoints[name]; exists {
			continue
		}
		cp := *ep
		cp.Volatile = false
		r.endpoints[name] = &cp
		loaded++
	}
	r.mu.Unlock()
	logger.InfoCF(registryComponent, "loaded persistent endpoints", map[string]any{
		"count": loaded, "file": r.file,
	})
	return nil
}

// Discover polls advertised catalog URLs and registers the returned
// peers as volatile entries. Persistent entries are never overwritten.
func (r *Registry) Discover(ctx context.Context, urls []string) (int, error) {
	registered := 0
	var lastErr error
	for _, url := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := r.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("discovery against %q failed: %w", url, err)
			continue
		}
		var catalog DiscoveryResponse
		err = json.NewDecoder(resp.Body).Decode(&catalog)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("discovery against %q: decode: %w", url, err)
			continue
		}
		for _, ep := range catalog.Swarms {
			if ep.SwarmName == r.localName {
				continue
			}
			if existing, ok := r.Get(ep.SwarmName); ok && !existing.Volatile {
				continue
			}
			ep.Volatile = true
			if err := r.Register(ep); err != nil {
				logger.WarnCF(registryComponent, "discovered swarm rejected", map[string]any{
					"swarm": ep.SwarmName, "error": err.Error(),
				})
				continue
			}
			registered++
		}
	}
	if registered == 0 && lastErr != nil {
		return 0, lastErr
	}
	return registered, nil
}

// StartHealth begins the periodic liveness loop. Peers failing the
// check threshold times in a row are marked inactive and skipped by the
// router until they recover.
func (r *Registry) StartHealth() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	stop := r.stop
	r.mu.Unlock()

	logger.InfoC(registryComponent, "started swarm health check loop")
	go func() {
		// Checks run under a context tied to stop so StopHealth also
		// interrupts an in-flight pass.
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stop
			cancel()
		}()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.CheckAll(ctx)
			case <-stop:
				return
			}
		}
	}()
}

// StopHealth halts the liveness loop.
func (r *Registry) StopHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stop)
}

// CheckAll runs one health check pass over every registered peer.
func (r *Registry) CheckAll(ctx context.Context) {
	for _, ep := range r.List() {
		r.checkOne(ctx, ep)
	}
}

func (r *Registry) checkOne(ctx context.Context, ep Endpoint) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.HealthURL, nil)
	if err != nil {
		r.recordFailure(ep.SwarmName, err)
		return
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.recordFailure(ep.SwarmName, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.recordFailure(ep.SwarmName, fmt.Errorf("health check returned %d", resp.StatusCode))
		return
	}
	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		r.recordFailure(ep.SwarmName, err)
		return
	}
	r.MarkSeen(ep.SwarmName)
}

func (r *Registry) recordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return
	}
	r.failures[name]++
	if r.failures[name] >= r.threshold && ep.Active {
		ep.Active = false
		logger.WarnCF(registryComponent, "peer marked inactive", map[string]any{
			"swarm": name, "failures": r.failures[name], "error": err.Error(),
		})
		return
	}
	logger.DebugCF(registryComponent, "health check failed", map[string]any{
		"swarm": name, "failures": r.failures[name], "error": err.Error(),
	})
}
