package model

type HTTPMode string

const (
	HTTPAllow    HTTPMode = "allow"
	HTTPRedirect HTTPMode = "redirect"
	HTTPBlock    HTTPMode = "block"
)

type Settings struct {
	HTTPHandling HTTPMode `json:"httpHandling"`

	BlockFonts  bool `json:"blockFonts"`
	BlockImages bool `json:"blockImages"`
	BlockMedia  bool `json:"blockMedia"`

	BlockPrivateIPs         bool `json:"blockPrivateIPs"`
	SuspendUntilFiltersLoad bool `json:"suspendUntilFiltersLoad"`

	Credentials Credentials `json:"credentials"`
	UI          UIState     `json:"ui"`
}

// Credentials are used to download the GeoIP/ASN databases.
type Credentials struct {
	MaxMindAccountID  string `json:"maxmindAccountId,omitempty"`
	MaxMindLicenseKey string `json:"maxmindLicenseKey,omitempty"`
}

// UIState is opaque to the engine; it is stored so the popup can restore itself.
type UIState struct {
	ActiveTab string `json:"activeTab,omitempty"`
	Theme     string `json:"theme,omitempty"`
}

func DefaultSettings() *Settings {
	return &Settings{HTTPHandling: HTTPAllow}
}

// Normalize fills unset or unknown enum fields with their defaults.
func (s *Settings) Normalize() {
	switch s.HTTPHandling {
	case HTTPAllow, HTTPRedirect, HTTPBlock:
	default:
		s.HTTPHandling = HTTPAllow
	}
}

func (s *Settings) Clone() *Settings {
	if s == nil {
		return DefaultSettings()
	}
	c := *s
	return &c
}
