package collector

import (
	"net"
	"sort"
)

// InterfaceChecker reports whether a network interface exists on the host
// and, when it does not, which ones do.
type InterfaceChecker interface {
	Exists(name string) (present bool, available []string, err error)
}

// NetChecker asks the kernel through the net package.
type NetChecker struct{}

func (NetChecker) Exists(name string) (bool, []string, error) {
	if _, err := net.InterfaceByName(name); err == nil {
		return true, nil, nil
	}
	ifs, err := net.Interfaces()
	if err != nil {
		return false, nil, err
	}
	names := make([]string, 0, len(ifs))
	for _, ifi := range ifs {
		names = append(names, ifi.Name)
	}
	sort.Strings(names)
	for _, n := range names {
		if n == name {
			return true, nil, nil
		}
	}
	return false, names, nil
}

// StaticChecker is a fixed interface list.
type StaticChecker []string

func (c StaticChecker) Exists(name string) (bool, []string, error) {
	for _, n := range c {
		if n == name {
			return true, nil, nil
		}
	}
	return false, append([]string(nil), c...), nil
}
