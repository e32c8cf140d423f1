// Package usage models the quota/utilization data fetched from the
// upstream service (C4's payload type) and the refresher that keeps it
// current for each account (C4), fanning updates out to subscribers (C9).
package usage

import (
	"context"
	"time"

	"github.com/xyz-jphil/xyz-jphil-ccapis-sub001/internal/credentials"
)

// Window names the four rolling quota buckets reported by the upstream
// service (§3).
type Window string

const (
	FiveHour          Window = "five_hour"
	SevenDay          Window = "seven_day"
	SevenDayOAuthApps Window = "seven_day_oauth_apps"
	SevenDayOpus      Window = "seven_day_opus"
)

// WindowUsage is one window's utilization sample.
type WindowUsage struct {
	Utilization float64    `json:"utilization"`
	ResetsAt    *time.Time `json:"resets_at,omitempty"`
}

// Data is the parsed usage payload for one account, across up to four
// windows. Unknown fields in the source JSON are tolerated by the decoder
// that builds this type (outside this spec's scope — see UsageFetcher).
type Data struct {
	Windows map[Window]WindowUsage `json:"-"`
}

// Fetcher is the external UsageFetcher collaborator (§6): it performs the
// actual HTTP GET against the upstream usage endpoint. Constructing the
// request and parsing the response body into Data is out of scope for the
// core and lives behind this interface.
type Fetcher interface {
	Fetch(ctx context.Context, cred credentials.Credential) (Data, error)
}
