package easyfairs

import (
	"strings"

	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

// Event maps a fair's public host to its Easyfairs container.
type Event struct {
	Host        string `mapstructure:"host" json:"host"`
	ContainerID int    `mapstructure:"container_id" json:"container_id"`
}

// DefaultEvents lists the fairs known out of the box.
func DefaultEvents() []Event {
	return []Event{
		{Host: "www.logisticsautomationmadrid.com", ContainerID: 2653},
		{Host: "logisticsautomationmadrid.com", ContainerID: 2653},
	}
}

// Registry resolves fair URLs to container ids.
type Registry struct {
	hosts map[string]int
}

// NewRegistry indexes events by lower-cased host. Later entries win.
func NewRegistry(events []Event) *Registry {
	hosts := make(map[string]int, len(events))
	for _, ev := range events {
		host := strings.ToLower(strings.TrimSpace(ev.Host))
		if host == "" {
			continue
		}
		hosts[host] = ev.ContainerID
	}
	return &Registry{hosts: hosts}
}

// Supported reports whether the URL's host is a registered Easyfairs fair.
func (r *Registry) Supported(rawURL string) bool {
	_, ok := r.Lookup(rawURL)
	return ok
}

// Lookup returns the container id registered for the URL's host.
func (r *Registry) Lookup(rawURL string) (int, bool) {
	if r == nil {
		return 0, false
	}
	id, ok := r.hosts[scrape.Host(rawURL)]
	return id, ok
}

// Len reports the number of registered hosts.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.hosts)
}
