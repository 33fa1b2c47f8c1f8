package ftp

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"path"
	"strconv"
	"strings"
	"time"
)

// PublicIpUrl is the url to get the public ip of the server
const PublicIpUrl = "https://api.ipify.org"

var errBadAddress = errors.New("bad address")

// GetServerPublicIP returns the public IP of the server
func GetServerPublicIP() (string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Get(PublicIpUrl)
	if err != nil {
		return "", fmt.Errorf("error getting public ip: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 64))
	if err != nil {
		return "", fmt.Errorf("error reading public ip: %w", err)
	}
	ip := strings.TrimSpace(string(body))
	if _, err := netip.ParseAddr(ip); err != nil {
		return "", fmt.Errorf("error parsing public ip %q: %w", ip, err)
	}
	return ip, nil
}

// parsePortArg parses the h1,h2,h3,h4,p1,p2 argument of PORT.
func parsePortArg(arg string) (netip.AddrPort, error) {
	parts := strings.Split(strings.TrimSpace(arg), ",")
	if len(parts) != 6 {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", errBadAddress, arg)
	}
	var b [6]byte
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %q", errBadAddress, arg)
		}
		b[i] = byte(n)
	}
	port := uint16(b[4])<<8 | uint16(b[5])
	if port == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: port 0", errBadAddress)
	}
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]}), port), nil
}

// parseEPRTArg parses the |proto|ip|port| argument of EPRT.
func parseEPRTArg(arg string) (netip.AddrPort, error) {
	arg = strings.TrimSpace(arg)
	if len(arg) < 2 {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", errBadAddress, arg)
	}
	parts := strings.Split(arg, arg[:1])
	if len(parts) != 5 {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", errBadAddress, arg)
	}
	ip, err := netip.ParseAddr(parts[2])
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %w", errBadAddress, err)
	}
	switch parts[1] {
	case "1":
		if !ip.Unmap().Is4() {
			return netip.AddrPort{}, fmt.Errorf("%w: %s is not IPv4", errBadAddress, ip)
		}
	case "2":
		if !ip.Is6() {
			return netip.AddrPort{}, fmt.Errorf("%w: %s is not IPv6", errBadAddress, ip)
		}
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: unknown protocol %s", errBadAddress, parts[1])
	}
	port, err := strconv.ParseUint(parts[3], 10, 16)
	if err != nil || port == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: port %q", errBadAddress, parts[3])
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
}

// pasvAddress formats the argument of a 227 reply.
func pasvAddress(ip netip.Addr, port uint16) string {
	a := ip.Unmap().As4()
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", a[0], a[1], a[2], a[3], port>>8, port&0xff)
}

// Abs resolves arg against the working directory.
func Abs(workingDir string, arg string) string {
	if arg == "" {
		return workingDir
	}
	if strings.HasPrefix(arg, "/") {
		return path.Clean(arg)
	}
	return path.Join(workingDir, arg)
}

// listArg drops the "ls" style flags some clients send with LIST and NLST.
func listArg(arg string) string {
	var kept []string
	for _, f := range strings.Fields(arg) {
		if strings.HasPrefix(f, "-") {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}
