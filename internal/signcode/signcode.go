package signcode

import (
	"strings"
	"sync/atomic"
)

// Tables are the destination sign code classification tables.
type Tables struct {
	Missing      []string            `yaml:"missing"`
	OutOfService []string            `yaml:"outOfService"`
	Routes       map[string][]string `yaml:"routes" validate:"dive,keys,required,endkeys,required"`
}

// DefaultMissing is used when no missing codes are configured.
var DefaultMissing = []string{"0000"}

// Classifier answers sign code questions against one immutable table set.
type Classifier struct {
	missing      map[string]struct{}
	outOfService map[string]struct{}
	routes       map[string][]string
}

func NewClassifier(t Tables) *Classifier {
	c := &Classifier{
		missing:      toSet(t.Missing),
		outOfService: toSet(t.OutOfService),
		routes:       make(map[string][]string, len(t.Routes)),
	}
	if len(c.missing) == 0 {
		c.missing = toSet(DefaultMissing)
	}
	for code, ids := range t.Routes {
		c.routes[strings.TrimSpace(code)] = append([]string(nil), ids...)
	}
	return c
}

func toSet(codes []string) map[string]struct{} {
	m := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		m[strings.TrimSpace(c)] = struct{}{}
	}
	return m
}

// IsMissing reports whether code is a placeholder meaning "no code entered".
func (c *Classifier) IsMissing(code string) bool {
	if code == "" {
		return true
	}
	_, ok := c.missing[code]
	return ok
}

func (c *Classifier) IsOutOfService(code string) bool {
	_, ok := c.outOfService[code]
	return ok
}

// IsUnknown reports whether code is neither a placeholder, an out-of-service
// code, nor mapped to any route.
func (c *Classifier) IsUnknown(code string) bool {
	if c.IsMissing(code) || c.IsOutOfService(code) {
		return false
	}
	_, ok := c.routes[code]
	return !ok
}

// RouteCollectionsFor returns the route collection ids implied by code.
// The result must not be modified.
func (c *Classifier) RouteCollectionsFor(code string) []string {
	return c.routes[code]
}

// Store holds the current classifier; Swap replaces it atomically.
type Store struct {
	cur atomic.Pointer[Classifier]
}

func NewStore(c *Classifier) *Store {
	s := &Store{}
	s.Swap(c)
	return s
}

func (s *Store) Swap(c *Classifier) {
	if c == nil {
		c = NewClassifier(Tables{})
	}
	s.cur.Store(c)
}

func (s *Store) Load() *Classifier { return s.cur.Load() }

func (s *Store) IsMissing(code string) bool      { return s.Load().IsMissing(code) }
func (s *Store) IsOutOfService(code string) bool { return s.Load().IsOutOfService(code) }
func (s *Store) IsUnknown(code string) bool      { return s.Load().IsUnknown(code) }
func (s *Store) RouteCollectionsFor(code string) []string {
	return s.Load().RouteCollectionsFor(code)
}
