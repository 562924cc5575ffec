package chain

import (
	"sync"

	"github.com/kibshh/iot-anchor-node/internal/apierr"
)

// NetworkEntry is one named network's static configuration, per §4.5.
type NetworkEntry struct {
	Name            string
	ChainID         int64
	RPCURL          string
	NativeDecimals  int
	ExplorerBase    string
	ContractAddress string
}

// DeploymentRecord restores the deploy-block/ABI-hash bookkeeping that the
// distillation folds away, per SPEC_FULL.md's C5 section, grounded on
// multi_chain_deployer.py's deployment-<network>.json artifact.
type DeploymentRecord struct {
	ContractAddress string
	DeployedAtBlock int64
	ABIHash         string
}

// Registry holds the name → {network, client} mapping plus the single
// active-name selection. Switching the active name is a single atomic
// write, per §4.5/§5 ("single-writer, multi-reader; readers observe a
// consistent snapshot").
type Registry struct {
	mu      sync.RWMutex
	entries map[string]NetworkEntry
	clients map[string]*Client
	active  string
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]NetworkEntry),
		clients: make(map[string]*Client),
	}
}

// Register adds or replaces a network and its client. The first network
// registered becomes active by default.
func (r *Registry) Register(entry NetworkEntry, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Name] = entry
	r.clients[entry.Name] = client
	if r.active == "" {
		r.active = entry.Name
	}
}

// Get returns a network's static entry and its client.
func (r *Registry) Get(name string) (NetworkEntry, *Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return NetworkEntry{}, nil, apierr.New(apierr.CodeNotFound, "unknown network: "+name)
	}
	return entry, r.clients[name], nil
}

// List returns every registered network's static entry.
func (r *Registry) List() []NetworkEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NetworkEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Active returns the currently active network name.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// SetActive atomically switches the default network, rejecting unknown
// names.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return apierr.New(apierr.CodeNotFound, "unknown network: "+name)
	}
	r.active = name
	return nil
}

// SetDeployment updates the in-memory entry's contract address after an
// operator has persisted a DeploymentRecord via store.PutDeployment, so
// subsequent Get/List calls, and the dispatcher that copies the entry's
// address into each OpDescriptor, see the new address immediately.
func (r *Registry) SetDeployment(name string, rec DeploymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return apierr.New(apierr.CodeNotFound, "unknown network: "+name)
	}
	entry.ContractAddress = rec.ContractAddress
	r.entries[name] = entry
	return nil
}
