package scrape

import (
	"net/url"
	"strings"
)

var defaultCountries = []string{"Spain", "Portugal"}

// NormalizeCountries maps ISO codes and local spellings to the English names
// used by international fair directories. An empty input selects the default
// Iberian pair.
func NormalizeCountries(countries []string) []string {
	if len(countries) == 0 {
		return append([]string(nil), defaultCountries...)
	}

	out := make([]string, 0, len(countries))
	seen := make(map[string]struct{}, len(countries))
	for _, raw := range countries {
		name := canonicalCountry(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func canonicalCountry(c string) string {
	switch strings.ToUpper(c) {
	case "":
		return ""
	case "ES", "ESP", "ESPAÑA", "SPAIN":
		return "Spain"
	case "PT", "PRT", "PORTUGAL":
		return "Portugal"
	default:
		return c
	}
}

// Host returns the lowercase network location of rawURL: userinfo, host and
// port as written. It returns an empty string if rawURL cannot be parsed.
// A URL carrying credentials therefore never matches a bare registry host.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	netloc := u.Host
	if u.User != nil {
		netloc = u.User.String() + "@" + netloc
	}
	return strings.ToLower(netloc)
}
