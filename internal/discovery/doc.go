// Package discovery locates a pilight daemon on the local network.
//
// pilight answers SSDP searches for urn:schemas-upnp-org:service:pilight:1
// with a response whose Location header holds the daemon's socket address
// as "Location:<ip>:<port>" (no URL scheme). Discover multicasts an
// M-SEARCH and returns the first such address.
//
// Discovery only runs when no hub host is configured.
package discovery
