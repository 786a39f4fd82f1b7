package model

import "time"

// Block reasons attached to BlockedRequest entries.
const (
	ReasonPrivateIP   = "private-ip"
	ReasonIP          = "ip"
	ReasonASN         = "asn"
	ReasonGeoIP       = "geoip"
	ReasonContentType = "content-type"
)

// BlockedRequest is a diagnostic record of one request the evaluator blocked.
// It never feeds back into control flow.
type BlockedRequest struct {
	Time         time.Time `json:"time"`
	URL          string    `json:"url"`
	Hostname     string    `json:"hostname"`
	IP           string    `json:"ip,omitempty"`
	ASN          uint32    `json:"asn,omitempty"`
	Country      string    `json:"country,omitempty"`
	ResourceType string    `json:"resourceType,omitempty"`
	BlockReason  string    `json:"blockReason"`
	Rule         string    `json:"rule,omitempty"`
}
