package pagemonitor

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
)

// HostEnvironment implements Environment from host-process signals. It backs
// headless embeddings (webview shells, smoke tooling) where no real browser
// bridge is wired; display and canvas signals are simply unavailable and the
// probe layer degrades them to sentinels.
type HostEnvironment struct{}

// NewHostEnvironment returns a host-backed environment.
func NewHostEnvironment() *HostEnvironment {
	return &HostEnvironment{}
}

func (h *HostEnvironment) UserAgent() string {
	platform := fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
	if info, err := host.Info(); err == nil && info.Platform != "" {
		platform = fmt.Sprintf("%s %s; %s", info.Platform, info.PlatformVersion, runtime.GOARCH)
	}
	return fmt.Sprintf("page-monitor-go/%s (%s)", version, platform)
}

func (h *HostEnvironment) Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

func (h *HostEnvironment) Vendor() string     { return "" }
func (h *HostEnvironment) VendorSub() string  { return "" }
func (h *HostEnvironment) Product() string    { return "" }
func (h *HostEnvironment) ProductSub() string { return "" }

func (h *HostEnvironment) Language() string {
	for _, key := range []string{"LC_ALL", "LANG"} {
		if v := os.Getenv(key); v != "" {
			if idx := strings.IndexAny(v, "._"); idx > 0 {
				v = v[:idx]
			}
			return strings.ReplaceAll(v, "_", "-")
		}
	}
	return ""
}

func (h *HostEnvironment) Languages() []string {
	if lang := h.Language(); lang != "" {
		return []string{lang}
	}
	return nil
}

func (h *HostEnvironment) HardwareConcurrency() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func (h *HostEnvironment) MaxTouchPoints() int { return 0 }

func (h *HostEnvironment) ScreenSize() (int, int, bool)  { return 0, 0, false }
func (h *HostEnvironment) ColorDepth() (int, int, bool)  { return 0, 0, false }
func (h *HostEnvironment) DevicePixelRatio() float64     { return 1 }
func (h *HostEnvironment) ViewportSize() (int, int, bool) { return 0, 0, false }

func (h *HostEnvironment) TimezoneOffsetMinutes() int {
	_, offsetSeconds := time.Now().Zone()
	// Date.getTimezoneOffset convention: minutes behind UTC.
	return -offsetSeconds / 60
}

func (h *HostEnvironment) TimezoneName() string {
	name, _ := time.Now().Zone()
	return name
}

func (h *HostEnvironment) StorageAvailability() StorageAvailability {
	return StorageAvailability{Local: true}
}

func (h *HostEnvironment) ConnectionType() string { return unknownLowerValue }
func (h *HostEnvironment) ConnectionKind() string { return unknownLowerValue }

func (h *HostEnvironment) CanvasData() (string, error) {
	return "", errors.New("canvas rendering not available on host environment")
}

// FontMetrics has no text renderer to measure with; total memory stands in as
// the one hardware signal this tier can still contribute.
func (h *HostEnvironment) FontMetrics() (string, error) {
	stats, err := mem.VirtualMemory()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("hostmem:%d", stats.Total), nil
}
