package service

import (
	"net"
	"os"
	"path/filepath"
	"sync"

	"threatgate/internal/models"

	"github.com/oschwald/geoip2-golang"
	zlog "github.com/rs/zerolog/log"
)

// GeoService enriches block entries with location data from a local
// GeoLite2 City database. Lookup degrades to nil when no database is
// present; enrichment is never required for a decision.
type GeoService struct {
	mu     sync.Mutex
	reader *geoip2.Reader
}

func NewGeoService() *GeoService {
	return &GeoService{}
}

func (s *GeoService) dbPath() string {
	filename := "GeoLite2-City.mmdb"
	for _, dir := range []string{"/home/threatgate/geoip", "/tmp"} {
		path := filepath.Join(dir, filename)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (s *GeoService) open() *geoip2.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader != nil {
		return s.reader
	}
	path := s.dbPath()
	if path == "" {
		return nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		zlog.Warn().Err(err).Str("path", path).Msg("failed to open GeoIP database")
		return nil
	}
	zlog.Info().Str("path", path).Msg("GeoIP database loaded")
	s.reader = reader
	return reader
}

// Lookup resolves location data for an address. Returns nil for private
// addresses, unparsable input or a missing database.
func (s *GeoService) Lookup(address string) *models.GeoData {
	ip := net.ParseIP(address)
	if ip == nil || ip.IsPrivate() || ip.IsLoopback() {
		return nil
	}

	reader := s.open()
	if reader == nil {
		return nil
	}

	city, err := reader.City(ip)
	if err != nil {
		zlog.Debug().Err(err).Str("ip", address).Msg("GeoIP lookup failed")
		return nil
	}

	data := &models.GeoData{
		Latitude:  city.Location.Latitude,
		Longitude: city.Location.Longitude,
	}
	if name, ok := city.Country.Names["en"]; ok {
		data.Country = name
	}
	if name, ok := city.City.Names["en"]; ok {
		data.City = name
	}
	return data
}

func (s *GeoService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader != nil {
		_ = s.reader.Close()
		s.reader = nil
	}
}
