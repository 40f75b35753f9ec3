// Package signaling implements the HTTP exchange that bootstraps a relay
// session: the local offer goes out as a single POST body, and the server's
// JSON response carries back an SDP-ish answer plus one opaque ICE
// candidate string. It deliberately does not parse SDP or negotiate ICE —
// both remain the caller's external collaborators.
package signaling

// Answer is the session answer half of the signaling response.
type Answer struct {
	SDP string `json:"sdp"`
}

// Candidate is the single ICE candidate the server offers back, kept as an
// opaque string (see internal/iceaddr for pulling a dial-able address out
// of it).
type Candidate struct {
	Candidate string `json:"candidate"`
}

// SessionResponse is the full JSON body the signaling server returns.
type SessionResponse struct {
	Answer    Answer    `json:"answer"`
	Candidate Candidate `json:"candidate"`
}
