package heartbeat

import (
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"runtime"
)

// FallbackIP is reported when no outbound interface can be found.
const FallbackIP = "127.0.0.1"

// LocalIP returns the address of the interface used for outbound traffic.
// No packet is sent; dialing UDP only selects a route.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return FallbackIP
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return FallbackIP
	}
	return addr.IP.String()
}

// Hostname returns the host name, or "unknown".
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// SystemInfo describes the running host.
func SystemInfo() map[string]any {
	return map[string]any{
		"platform": runtime.GOOS + "/" + runtime.GOARCH,
		"hostname": Hostname(),
		"cpus":     runtime.NumCPU(),
		"go":       runtime.Version(),
	}
}

// LocalCollector builds payloads for the host it runs on. Empty ip and name
// select LocalIP and Hostname.
func LocalCollector(ip, name string) func() Payload {
	if ip == "" {
		ip = LocalIP()
	}
	if name == "" {
		name = Hostname()
	}
	return func() Payload {
		n := name
		return Payload{
			IPAddress: ip,
			Name:      &n,
			Metrics:   &Metrics{SystemInfo: SystemInfo()},
		}
	}
}

// SimulatedIP is the address of the i-th simulated node.
func SimulatedIP(base string, i int) string {
	if base == "" {
		base = "192.168.1"
	}
	return fmt.Sprintf("%s.%d", base, 100+i)
}

// SimulatedCollector builds payloads with random resource figures for the
// i-th simulated node.
func SimulatedCollector(base string, i int) func() Payload {
	ip := SimulatedIP(base, i)
	name := fmt.Sprintf("sim-node-%d", i+1)
	return func() Payload {
		n := name
		cpu := between(0, 100)
		mem := between(20, 95)
		disk := between(10, 90)
		return Payload{
			IPAddress: ip,
			Name:      &n,
			Metrics: &Metrics{
				CPU:    &cpu,
				Memory: &mem,
				Disk:   &disk,
				SystemInfo: map[string]any{
					"platform": "simulated",
					"hostname": name,
					"ram":      fmt.Sprintf("%dGB", 4<<rand.IntN(4)),
				},
			},
		}
	}
}

func between(lo, hi float64) float64 {
	v := lo + rand.Float64()*(hi-lo)
	return float64(int(v*10)) / 10
}
