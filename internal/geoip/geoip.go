// Package geoip wraps a process-wide MaxMind country database.
// The reader is a singleton: Init loads it at startup, Replace swaps it under
// lock, and lookups read through an atomic pointer. When no database is
// loaded, lookups return "" and the geoip_country SQL function yields NULL.
package geoip

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/oschwald/maxminddb-golang"
)

var (
	mu     sync.Mutex
	reader atomic.Pointer[maxminddb.Reader]
)

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Init loads the database at path. Calling Init with an empty path is a no-op
// so callers can pass the config value through unconditionally.
func Init(path string) error {
	if path == "" {
		return nil
	}
	return Replace(path)
}

// Replace swaps in a new database, closing the previous one.
func Replace(path string) error {
	r, err := maxminddb.Open(path)
	if err != nil {
		return fmt.Errorf("opening maxmind db %s: %w", path, err)
	}

	mu.Lock()
	old := reader.Swap(r)
	mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close releases the current database, if any.
func Close() {
	mu.Lock()
	old := reader.Swap(nil)
	mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// CountryCode returns the ISO 3166-1 country code for an IP address string,
// or "" when no database is loaded, the address is invalid, or no record
// exists.
func CountryCode(addr string) string {
	r := reader.Load()
	if r == nil {
		return ""
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	var rec countryRecord
	if err := r.Lookup(ip, &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}
