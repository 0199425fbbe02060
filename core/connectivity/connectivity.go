package connectivity

import (
	"net"
	"strings"

	"soundsync/logger"
)

// Policy values accepted by New.
const (
	PolicyWifi = "wifi"
	PolicyAny  = "any"
	PolicyOff  = "off"
)

// Interface is the part of a network interface the policy looks at.
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	HasAddr  bool
}

// Checker decides whether transfers may use the network right now.
type Checker struct {
	policy   string
	prefixes []string
	list     func() ([]Interface, error)
}

// New creates a Checker for policy. With PolicyWifi only interfaces whose
// name starts with one of prefixes count.
func New(policy string, prefixes []string) *Checker {
	return &Checker{policy: strings.ToLower(policy), prefixes: prefixes, list: systemInterfaces}
}

// Connected reports whether a usable interface is up.
func (c *Checker) Connected() bool {
	if c.policy == PolicyOff {
		return true
	}

	ifaces, err := c.list()
	if err != nil {
		logger.Warn("failed to list network interfaces", logger.ErrorField(err))
		return false
	}
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback || !iface.HasAddr {
			continue
		}
		if c.policy == PolicyAny || c.matches(iface.Name) {
			return true
		}
	}
	logger.Debug("no interface satisfies network policy", logger.String("policy", c.policy))
	return false
}

func (c *Checker) matches(name string) bool {
	name = strings.ToLower(name)
	for _, p := range c.prefixes {
		if strings.HasPrefix(name, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func systemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, _ := iface.Addrs()
		out = append(out, Interface{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
			HasAddr:  len(addrs) > 0,
		})
	}
	return out, nil
}
