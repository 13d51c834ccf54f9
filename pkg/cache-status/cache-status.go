// Package cachestatus formats the Cache-Status response header field (RFC 9211).
package cachestatus

import "fmt"

// HeaderName is the response header carrying the status.
const HeaderName = "Cache-Status"

// Product identifies this cache in the header value.
const Product = "Regen"

type Status string

const (
	StatusHit = "hit"
	StatusFwd = "fwd"
)

type FwdReason string

const (
	// The cache did not contain a document for the requested key.
	FwdUriMiss = "uri-miss"

	// The cache contained a document, but it was rebuilt before serving.
	FwdStale = "stale"
)

// CacheStatus collects how a request was handled.
// The zero value reports nothing until Hit or Forward is called.
type CacheStatus struct {
	status    Status
	detail    string
	fwdReason FwdReason
	stored    bool
	collapsed bool
}

func (cs *CacheStatus) Hit() {
	cs.status = StatusHit
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.status = StatusFwd
	cs.fwdReason = reason
}

// Stored marks that the forwarded response was stored in the cache.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

// Collapsed marks that the request was collapsed with another one building the same key.
func (cs *CacheStatus) Collapsed() {
	cs.collapsed = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", Product, cs.status)
	if cs.status == StatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.collapsed {
		status = status + "; collapsed"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
