package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"speedlog/pkg/speedtest"
)

// NativeTool measures in-process with speedtest-go and reports the result in
// the CLI's JSON shape, so the Runner cannot tell the engines apart.
type NativeTool struct {
	Config  speedtest.RunConfig
	Options []speedtest.Option
	// SourceAddr maps an interface id to the local address to bind.
	// Defaults to InterfaceAddr.
	SourceAddr func(ifaceID string) (string, error)
}

func (t *NativeTool) Exec(ctx context.Context, ifaceID string) (Execution, error) {
	cfg := t.Config
	if ifaceID != speedtest.AllInterfaces {
		resolve := t.SourceAddr
		if resolve == nil {
			resolve = InterfaceAddr
		}
		ip, err := resolve(ifaceID)
		if err != nil {
			return Execution{ExitCode: 1, Output: []byte(err.Error())}, nil
		}
		cfg.SourceIP = ip
	}

	m, err := speedtest.NewRunner(cfg, t.Options...).Run(ctx)
	if err != nil {
		return Execution{ExitCode: 1, Output: []byte(err.Error())}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return Execution{}, err
	}
	return Execution{Output: append(b, '\n')}, nil
}

// InterfaceAddr returns the first IPv4 address of the named interface, or
// its first address of any family.
func InterfaceAddr(name string) (string, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return "", err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return "", err
	}
	var fallback string
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLinkLocalUnicast() {
			continue
		}
		if ipn.IP.To4() != nil {
			return ipn.IP.String(), nil
		}
		if fallback == "" {
			fallback = ipn.IP.String()
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("interface %s has no usable address", name)
	}
	return fallback, nil
}
