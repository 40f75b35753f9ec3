// Package iceaddr pulls a dial-able address out of the single opaque ICE
// candidate string the signaling exchange returns. It implements none of
// ICE itself — no connectivity checks, no candidate gathering, no
// priority-based pair selection — just enough parsing to turn
// "candidate:..." text into a host, port, and type the caller can act on.
package iceaddr

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Type is the ICE candidate type (RFC 8445 Section 5.1.1.1).
type Type string

const (
	TypeHost            Type = "host"
	TypeServerReflexive Type = "srflx"
	TypePeerReflexive   Type = "prflx"
	TypeRelay           Type = "relay"
)

// Candidate is the subset of an ICE candidate's fields this module needs to
// dial a peer: everything else in the SDP attribute is parsed but not
// exposed.
type Candidate struct {
	Foundation     string
	Component      int
	Transport      string
	Priority       uint32
	Address        string
	Port           int
	Type           Type
	RelatedAddress string
	RelatedPort    int
}

// Parse parses an SDP "candidate:" attribute value, with or without the
// leading "candidate:" prefix, per RFC 8839 Section 5.1:
//
//	candidate:<foundation> <component> <transport> <priority> <address> <port> typ <type> [raddr <addr> rport <port>] ...
func Parse(s string) (Candidate, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "candidate:")
	fields := strings.Fields(s)
	if len(fields) < 8 {
		return Candidate{}, fmt.Errorf("iceaddr: malformed candidate %q: expected at least 8 fields, got %d", s, len(fields))
	}

	component, err := strconv.Atoi(fields[1])
	if err != nil {
		return Candidate{}, fmt.Errorf("iceaddr: invalid component in %q: %w", s, err)
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, fmt.Errorf("iceaddr: invalid priority in %q: %w", s, err)
	}
	port, err := strconv.Atoi(fields[5])
	if err != nil {
		return Candidate{}, fmt.Errorf("iceaddr: invalid port in %q: %w", s, err)
	}
	if fields[6] != "typ" {
		return Candidate{}, fmt.Errorf("iceaddr: expected \"typ\" at field 6 in %q", s)
	}

	c := Candidate{
		Foundation: fields[0],
		Component:  component,
		Transport:  fields[2],
		Priority:   uint32(priority),
		Address:    fields[4],
		Port:       port,
		Type:       Type(fields[7]),
	}

	for i := 8; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "raddr":
			c.RelatedAddress = fields[i+1]
		case "rport":
			relatedPort, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return Candidate{}, fmt.Errorf("iceaddr: invalid rport in %q: %w", s, err)
			}
			c.RelatedPort = relatedPort
		}
	}

	return c, nil
}

// UDPAddr resolves the candidate's address and port to a *net.UDPAddr,
// suitable for dialing the relay/server this candidate describes.
func (c Candidate) UDPAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(c.Address)
	if ip == nil {
		ips, err := net.LookupIP(c.Address)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("iceaddr: cannot resolve candidate address %q", c.Address)
		}
		ip = ips[0]
	}
	return &net.UDPAddr{IP: ip, Port: c.Port}, nil
}
