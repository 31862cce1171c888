package platform

import (
	"fmt"
	"sort"
	"sync"
)

// Info describes a registered service.
type Info struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type registration struct {
	name    string
	service Service
}

// Registry maps a platform identifier to its Service implementation.
type Registry struct {
	mu       sync.RWMutex
	services map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{services: map[string]registration{}}
}

// Register adds or replaces the service known as code.
func (r *Registry) Register(code, name string, s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.services[code] = registration{name: name, service: s}
}

func (r *Registry) Get(code string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.services[code]
	if !ok {
		return nil, fmt.Errorf("service %q: %w", code, ErrNotFound)
	}

	return reg.service, nil
}

// List returns the registered services sorted by code.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]Info, 0, len(r.services))
	for code, reg := range r.services {
		res = append(res, Info{Code: code, Name: reg.name})
	}

	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })

	return res
}
