// Package device derives a stable fingerprint for the current machine.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	gohost "github.com/shirou/gopsutil/v4/host"

	"github.com/rcourtman/entitlements/pkg/entitlement"
)

const hostInfoTimeout = 5 * time.Second

// Collector abstracts system-level information gathering for testability.
type Collector interface {
	HostInfo(ctx context.Context) (*gohost.InfoStat, error)
	Hostname() (string, error)
	NetInterfaces() ([]net.Interface, error)
	GOOS() string
}

// NewDefaultCollector returns a Collector that uses real OS calls.
func NewDefaultCollector() Collector {
	return defaultCollector{}
}

type defaultCollector struct{}

func (defaultCollector) HostInfo(ctx context.Context) (*gohost.InfoStat, error) {
	return gohost.InfoWithContext(ctx)
}

func (defaultCollector) Hostname() (string, error) { return os.Hostname() }

func (defaultCollector) NetInterfaces() ([]net.Interface, error) { return net.Interfaces() }

func (defaultCollector) GOOS() string { return runtime.GOOS }

// Identity implements entitlement.DeviceIdentity. The fingerprint is computed
// once and reused for the life of the process.
type Identity struct {
	collector  Collector
	deviceName string
	now        func() time.Time

	mu     sync.Mutex
	cached *entitlement.DeviceFingerprint
}

// NewIdentity returns an Identity backed by collector. deviceName overrides
// the user-facing name; the hostname is used when it is empty.
func NewIdentity(collector Collector, deviceName string) *Identity {
	if collector == nil {
		collector = NewDefaultCollector()
	}
	return &Identity{
		collector:  collector,
		deviceName: strings.TrimSpace(deviceName),
		now:        time.Now,
	}
}

// Current returns the machine's fingerprint.
func (i *Identity) Current(ctx context.Context) (entitlement.DeviceFingerprint, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cached != nil {
		return *i.cached, nil
	}

	fp, err := i.collect(ctx)
	if err != nil {
		return entitlement.DeviceFingerprint{}, err
	}
	i.cached = &fp
	return fp, nil
}

func (i *Identity) collect(ctx context.Context) (entitlement.DeviceFingerprint, error) {
	ctx, cancel := context.WithTimeout(ctx, hostInfoTimeout)
	defer cancel()

	info, err := i.collector.HostInfo(ctx)
	if err != nil || info == nil {
		if err == nil {
			err = errors.New("no host info returned")
		}
		return entitlement.DeviceFingerprint{}, fmt.Errorf("fetch host info: %w", err)
	}

	hostname := strings.TrimSpace(info.Hostname)
	if hostname == "" {
		if h, err := i.collector.Hostname(); err == nil {
			hostname = strings.TrimSpace(h)
		}
	}
	if hostname == "" {
		hostname = "unknown-host"
	}

	machineID := strings.TrimSpace(info.HostID)
	mac := i.primaryMAC()

	hardwareID := machineID
	if hardwareID == "" {
		hardwareID = mac
	}
	if hardwareID == "" {
		hardwareID = hostname
	}

	platform := strings.TrimSpace(info.OS)
	if platform == "" {
		platform = i.collector.GOOS()
	}
	arch := strings.TrimSpace(info.KernelArch)
	if arch == "" {
		arch = runtime.GOARCH
	}

	deviceName := i.deviceName
	if deviceName == "" {
		deviceName = hostname
	}

	now := i.now()
	return entitlement.DeviceFingerprint{
		DeviceID:    DeriveDeviceID(hardwareID, mac, platform, arch),
		HardwareID:  hardwareID,
		Hostname:    hostname,
		Platform:    strings.ToLower(platform),
		OSVersion:   strings.TrimSpace(info.Platform + " " + info.PlatformVersion),
		DeviceName:  deviceName,
		ActivatedAt: now,
		LastSeenAt:  now,
	}, nil
}

// primaryMAC returns the lowest hardware address among up, non-loopback
// interfaces, or "".
func (i *Identity) primaryMAC() string {
	ifaces, err := i.collector.NetInterfaces()
	if err != nil {
		return ""
	}
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if addr := iface.HardwareAddr.String(); addr != "" {
			macs = append(macs, addr)
		}
	}
	if len(macs) == 0 {
		return ""
	}
	sort.Strings(macs)
	return macs[0]
}

// DeriveDeviceID hashes the stable machine attributes into a short id.
func DeriveDeviceID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(p))))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
