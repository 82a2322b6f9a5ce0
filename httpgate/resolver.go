package httpgate

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pixelforge/admitgate"
)

// IdentityResolver turns an incoming request into a gate identity.
// Session/token issuance is an upstream concern; the resolver only reads
// whatever the deployment's auth layer left on the request.
type IdentityResolver interface {
	Resolve(r *http.Request) (admitgate.Identity, error)
}

// HeaderResolver reads the identity from request headers:
//
//   - X-Account-ID: the authenticated account, set by the auth layer in
//     front of this service (never trusted from the open internet).
//   - X-Device-Fingerprint: the client device fingerprint.
//   - X-Timezone-Offset: the client's UTC offset in minutes, used to place
//     the request in the caller's local calendar day.
//
// The address hash derives from the observed remote address, so it is
// server-owned; combine with chi's RealIP middleware behind a proxy.
type HeaderResolver struct {
	// Now overrides the clock, for tests.
	Now func() time.Time
}

var _ IdentityResolver = (*HeaderResolver)(nil)

func (hr *HeaderResolver) Resolve(r *http.Request) (admitgate.Identity, error) {
	now := time.Now
	if hr.Now != nil {
		now = hr.Now
	}

	offset := 0
	if raw := r.Header.Get("X-Timezone-Offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			offset = parsed
		}
	}

	id := admitgate.Identity{AccountID: r.Header.Get("X-Account-ID")}

	fingerprint := r.Header.Get("X-Device-Fingerprint")
	addrHash := hashAddr(r.RemoteAddr)
	if fingerprint != "" && addrHash != "" {
		id.Signals = &admitgate.Signals{
			AddressHash: addrHash,
			Fingerprint: fingerprint,
			Day:         admitgate.DayOf(now(), offset),
		}
	}

	return id, nil
}

func hashAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(host))
	return hex.EncodeToString(sum[:16])
}
