package model

import "time"

// RateEvent records one admitted admission check (§3). Its composite key is
// (ClientAddr, RequestTime); records older than the rate-limit window may be
// discarded at any time.
type RateEvent struct {
	ClientAddr  string
	RequestTime time.Time
}
