// Package geoip maps IP addresses to ISO country codes using a
// MaxMind-format database.
package geoip

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/oschwald/maxminddb-golang/v2"
)

// ErrNoDatabase is returned when neither a database path nor embedded
// bytes are supplied.
var ErrNoDatabase = errors.New("geoip: no database configured")

// DB wraps a country-level MaxMind database. It is immutable after
// construction and safe for concurrent lookups.
type DB struct {
	reader *maxminddb.Reader
}

// countryRecord is the subset of the mmdb record we decode.
type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Open loads a database from path.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, ErrNoDatabase
	}
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database: %w", err)
	}
	return &DB{reader: reader}, nil
}

// FromBytes loads a database from an in-memory (e.g. embedded) image.
func FromBytes(buf []byte) (*DB, error) {
	if len(buf) == 0 {
		return nil, ErrNoDatabase
	}
	reader, err := maxminddb.OpenBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("reading geoip database: %w", err)
	}
	return &DB{reader: reader}, nil
}

// CountryCode returns the ISO 3166-1 code for ip, or "" when the address
// is not in the database.
func (db *DB) CountryCode(ip netip.Addr) string {
	var rec countryRecord
	if err := db.reader.Lookup(ip.Unmap()).Decode(&rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// Contains reports whether ip resolves to the given country code.
func (db *DB) Contains(ip netip.Addr, code string) bool {
	got := db.CountryCode(ip)
	return got != "" && got == code
}

// Close releases the underlying reader.
func (db *DB) Close() error {
	return db.reader.Close()
}
