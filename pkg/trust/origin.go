package trust

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
	log "github.com/sirupsen/logrus"

	"github.com/ztsec/zerotrust-core/pkg/entity"
)

// OriginChecker decides whether a source address matches an entity's
// expected geographic or network origin. When a GeoIP database is
// available it compares the source country against the entity's
// "allowed_countries" attribute; otherwise it falls back to
// private-network heuristics.
type OriginChecker struct {
	db     *geoip2.Reader
	logger *log.Logger
}

// NewOriginChecker opens the MaxMind database at path. An empty path
// yields a checker that only applies network heuristics.
func NewOriginChecker(path string, logger *log.Logger) (*OriginChecker, error) {
	oc := &OriginChecker{logger: logger}
	if path == "" {
		return oc, nil
	}

	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}
	oc.db = db
	logger.WithField("path", path).Info("GeoIP origin checking enabled")
	return oc, nil
}

// Close releases the GeoIP database.
func (oc *OriginChecker) Close() error {
	if oc.db == nil {
		return nil
	}
	return oc.db.Close()
}

// Expected reports whether sourceIP is a plausible origin for the entity.
// Unknown or unparseable addresses fail closed.
func (oc *OriginChecker) Expected(e *entity.Entity, sourceIP string) bool {
	ip := net.ParseIP(sourceIP)
	if ip == nil {
		return false
	}

	if isPrivateIP(sourceIP) {
		return true
	}

	if oc.db == nil {
		return false
	}

	record, err := oc.db.Country(ip)
	if err != nil {
		oc.logger.WithError(err).WithField("ip", sourceIP).Debug("GeoIP lookup failed")
		return false
	}

	allowed := allowedCountries(e)
	if len(allowed) == 0 {
		return false
	}
	for _, iso := range allowed {
		if record.Country.IsoCode == iso {
			return true
		}
	}
	return false
}

func allowedCountries(e *entity.Entity) []string {
	raw, ok := e.Attributes["allowed_countries"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

var privateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"::1/128",
	"fc00::/7",
}

func isPrivateIP(ip string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, cidr := range privateRanges {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if ipnet.Contains(addr) {
			return true
		}
	}
	return false
}
