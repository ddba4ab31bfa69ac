package sysinfo

import (
	"context"
	"net"
	"os"
	"runtime"

	"pulseward/config"
	"pulseward/core/store"
)

// Provider supplies the device/network metadata attached to outgoing
// reports. It is injected so tests and platform shims can substitute their
// own facts.
type Provider interface {
	Device(ctx context.Context) store.DeviceInfo
	Network(ctx context.Context) store.NetworkInfo
}

// HostProvider reads what the host actually exposes and falls back to
// configured values for fields the OS cannot answer (brand, carrier).
type HostProvider struct {
	deviceID string
	device   config.DeviceConfig
	network  config.NetworkConfig
}

func NewHostProvider(deviceID string, cfg *config.AppConfig) *HostProvider {
	p := &HostProvider{deviceID: deviceID}
	if cfg != nil {
		p.device = cfg.Device
		p.network = cfg.Network
	}
	return p
}

func (p *HostProvider) Device(ctx context.Context) store.DeviceInfo {
	info := store.DeviceInfo{
		ID:       p.deviceID,
		Model:    p.device.Model,
		Brand:    p.device.Brand,
		Platform: p.device.Platform,
		Version:  p.device.Version,
	}
	if info.Model == "" {
		if host, err := os.Hostname(); err == nil {
			info.Model = host
		}
	}
	if info.Platform == "" {
		info.Platform = runtime.GOOS
	}
	if info.Brand == "" {
		info.Brand = runtime.GOARCH
	}
	return info
}

func (p *HostProvider) Network(ctx context.Context) store.NetworkInfo {
	info := store.NetworkInfo{
		Type:        p.network.Type,
		Carrier:     p.network.Carrier,
		DisplayName: p.network.DisplayName,
		IsConnected: hasUsableInterface(),
	}
	if info.Type == "" {
		info.Type = "lan"
	}
	if info.Carrier == "" {
		info.Carrier = "unknown"
	}
	if info.DisplayName == "" {
		info.DisplayName = info.Type
	}
	return info
}

func hasUsableInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}
