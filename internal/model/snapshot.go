package model

// Profile is one row of the profile sheet. The typed columns cover the fixed
// schema; spreadsheet columns the schema does not recognize are preserved in
// Extra keyed by their header name.
type Profile struct {
	Code       string            `json:"code"`
	Name       string            `json:"name"`
	Series     string            `json:"series"`
	Finish     string            `json:"finish"`
	PricePerM  float64           `json:"price_per_m"`
	WeightPerM float64           `json:"weight_per_m"`
	LengthMM   int               `json:"length_mm"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Accessory is one row of the accessory sheet, same column handling as
// Profile.
type Accessory struct {
	Code      string            `json:"code"`
	Name      string            `json:"name"`
	Unit      string            `json:"unit"`
	PriceUnit float64           `json:"price_unit"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Snapshot is a fully transformed dataset: the complete row set a client
// stores and replaces as one atomic unit.
type Snapshot struct {
	Profiles    []Profile
	Accessories []Accessory
}

// Counts returns the profile and accessory row counts.
func (s *Snapshot) Counts() (profiles, accessories int) {
	if s == nil {
		return 0, 0
	}
	return len(s.Profiles), len(s.Accessories)
}
