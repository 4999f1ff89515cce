package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/ipv4"
)

// Defaults for the SSDP search.
const (
	DefaultServiceType      = "urn:schemas-upnp-org:service:pilight:1"
	DefaultMulticastAddress = "239.255.255.250:1900"
	DefaultTimeout          = 2 * time.Second
	DefaultRetries          = 1

	// multicastTTL keeps the search within the local network.
	multicastTTL = 2

	// maxResponseSize bounds a single SSDP response datagram.
	maxResponseSize = 1025
)

var locationPattern = regexp.MustCompile(`(?i)Location:([0-9.]+):([0-9.]+)`)

// Config controls the search.
type Config struct {
	// ServiceType is the SSDP search target. Default: DefaultServiceType.
	ServiceType string

	// MulticastAddress is where the M-SEARCH is sent. Default: DefaultMulticastAddress.
	MulticastAddress string

	// Timeout is how long each attempt waits for a response. Default: 2 seconds.
	Timeout time.Duration

	// Retries is the number of search attempts. Default: 1.
	Retries int
}

func (c Config) withDefaults() Config {
	if c.ServiceType == "" {
		c.ServiceType = DefaultServiceType
	}
	if c.MulticastAddress == "" {
		c.MulticastAddress = DefaultMulticastAddress
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	return c
}

// Location is the socket address of a discovered daemon.
type Location struct {
	Host string
	Port int
}

// String returns host:port.
func (l Location) String() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// Discover searches for a pilight daemon and returns the first location
// announced. It returns ErrNoHubFound when every attempt times out, or
// the context error if ctx ends first.
func Discover(ctx context.Context, cfg Config) (Location, error) {
	cfg = cfg.withDefaults()

	group, err := net.ResolveUDPAddr("udp4", cfg.MulticastAddress)
	if err != nil {
		return Location{}, fmt.Errorf("discovery: resolving %s: %w", cfg.MulticastAddress, err)
	}

	request := []byte(searchRequest(group.String(), cfg.ServiceType))

	for attempt := 1; attempt <= cfg.Retries; attempt++ {
		loc, err := probe(ctx, group, request, cfg.Timeout)
		if err == nil {
			return loc, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Location{}, ctxErr
		}
		if !errors.Is(err, ErrNoHubFound) {
			return Location{}, err
		}
	}

	return Location{}, fmt.Errorf("%w: %d attempt(s) for %s", ErrNoHubFound, cfg.Retries, cfg.ServiceType)
}

// searchRequest builds the M-SEARCH datagram.
func searchRequest(host, serviceType string) string {
	return strings.Join([]string{
		"M-SEARCH * HTTP/1.1",
		"HOST: " + host,
		`MAN: "ssdp:discover"`,
		"ST: " + serviceType,
		"MX: 3",
		"",
		"",
	}, "\r\n")
}

// probe sends one search and reads responses until one carries a
// location or the timeout expires.
func probe(ctx context.Context, group *net.UDPAddr, request []byte, timeout time.Duration) (Location, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return Location{}, fmt.Errorf("discovery: opening socket: %w", err)
	}
	defer conn.Close()

	if err := ipv4.NewPacketConn(conn).SetMulticastTTL(multicastTTL); err != nil {
		return Location{}, fmt.Errorf("discovery: setting multicast TTL: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return Location{}, fmt.Errorf("discovery: setting deadline: %w", err)
	}

	// Unblock the read as soon as ctx ends.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.WriteToUDP(request, group); err != nil {
		return Location{}, fmt.Errorf("discovery: sending search: %w", err)
	}

	buf := make([]byte, maxResponseSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return Location{}, ErrNoHubFound
			}
			return Location{}, fmt.Errorf("discovery: reading response: %w", err)
		}

		// Other SSDP devices may answer too; skip anything without a location.
		if loc, err := ParseLocation(buf[:n]); err == nil {
			return loc, nil
		}
	}
}

// ParseLocation extracts the daemon address from an SSDP response.
func ParseLocation(response []byte) (Location, error) {
	m := locationPattern.FindSubmatch(response)
	if m == nil {
		return Location{}, fmt.Errorf("%w: no Location header", ErrInvalidLocation)
	}

	host := string(m[1])
	if net.ParseIP(host).To4() == nil {
		return Location{}, fmt.Errorf("%w: host %q", ErrInvalidLocation, host)
	}

	port, err := strconv.Atoi(string(m[2]))
	if err != nil || port <= 0 || port > 65535 {
		return Location{}, fmt.Errorf("%w: port %q", ErrInvalidLocation, m[2])
	}

	return Location{Host: host, Port: port}, nil
}
