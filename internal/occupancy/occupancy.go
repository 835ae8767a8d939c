// Package occupancy keeps the most recent passenger-count reading per
// vehicle, route and direction.
package occupancy

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MaxEstimatedCount is the largest passenger count accepted from a counter.
const MaxEstimatedCount = 1024

// DefaultExpiry is how long a reading stays current.
const DefaultExpiry = 15 * time.Minute

var ErrImplausibleLoad = errors.New("implausible vehicle load")

type Status int

const (
	Unknown Status = iota
	Empty
	ManySeatsAvailable
	FewSeatsAvailable
	StandingRoomOnly
	CrushedStandingRoomOnly
	Full
	NotAcceptingPassengers
)

var statusNames = [...]string{
	Unknown:                 "UNKNOWN",
	Empty:                   "EMPTY",
	ManySeatsAvailable:      "MANY_SEATS_AVAILABLE",
	FewSeatsAvailable:       "FEW_SEATS_AVAILABLE",
	StandingRoomOnly:        "STANDING_ROOM_ONLY",
	CrushedStandingRoomOnly: "CRUSHED_STANDING_ROOM_ONLY",
	Full:                    "FULL",
	NotAcceptingPassengers:  "NOT_ACCEPTING_PASSENGERS",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return statusNames[Unknown]
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	*s = ParseLoad(string(b))
	return nil
}

// Siri returns the SIRI occupancy value for s, or "" when there is none.
func (s Status) Siri() string {
	switch s {
	case Empty, ManySeatsAvailable, FewSeatsAvailable:
		return "seatsAvailable"
	case StandingRoomOnly:
		return "standingAvailable"
	case CrushedStandingRoomOnly, Full, NotAcceptingPassengers:
		return "full"
	}
	return ""
}

// ParseLoad maps a counter's load description to a Status. Counters report
// STANDING_AVAILABLE for standing room; anything unrecognised is Unknown.
func ParseLoad(s string) Status {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "STANDING_AVAILABLE" {
		return StandingRoomOnly
	}
	for k, name := range statusNames {
		if name == s {
			return Status(k)
		}
	}
	return Unknown
}

// VehicleLoad is one passenger-count reading.
type VehicleLoad struct {
	VehicleID       string `json:"vehicleId"`
	RecordTimestamp int64  `json:"recordTimestamp"`
	Load            Status `json:"load"`
	Route           string `json:"route"`
	Direction       string `json:"direction"`
	EstimatedCount  int    `json:"estimatedCount"`
}

func (l VehicleLoad) Validate() error {
	if l.VehicleID == "" {
		return fmt.Errorf("%w: missing vehicle id", ErrImplausibleLoad)
	}
	if l.EstimatedCount > MaxEstimatedCount {
		return fmt.Errorf("%w: vid=%s count=%d", ErrImplausibleLoad, l.VehicleID, l.EstimatedCount)
	}
	return nil
}

func key(vid, route, direction string) string { return vid + route + direction }

// Cache holds readings until they expire. Reads do not extend an entry's
// life.
type Cache struct {
	cache  *ttlcache.Cache[string, VehicleLoad]
	expiry atomic.Int64
}

func NewCache(expiry time.Duration) *Cache {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	c := &Cache{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, VehicleLoad](expiry),
			ttlcache.WithDisableTouchOnHit[string, VehicleLoad](),
		),
	}
	c.expiry.Store(int64(expiry))
	return c
}

// Start runs the expiry loop until Stop is called.
func (c *Cache) Start() { c.cache.Start() }

func (c *Cache) Stop() { c.cache.Stop() }

func (c *Cache) Expiry() time.Duration { return time.Duration(c.expiry.Load()) }

// SetExpiry changes the expiry of new readings and re-arms the readings
// already held with it.
func (c *Cache) SetExpiry(d time.Duration) {
	if d <= 0 || d == c.Expiry() {
		return
	}
	c.expiry.Store(int64(d))
	for k, item := range c.cache.Items() {
		c.cache.Set(k, item.Value(), d)
	}
}

// Put stores l, replacing any earlier reading for the same vehicle, route
// and direction.
func (c *Cache) Put(l VehicleLoad) error {
	if err := l.Validate(); err != nil {
		return err
	}
	c.cache.Set(key(l.VehicleID, l.Route, l.Direction), l, c.Expiry())
	return nil
}

func (c *Cache) Get(vid, route, direction string) (VehicleLoad, bool) {
	item := c.cache.Get(key(vid, route, direction))
	if item == nil {
		return VehicleLoad{}, false
	}
	return item.Value(), true
}

func (c *Cache) Len() int { return c.cache.Len() }
