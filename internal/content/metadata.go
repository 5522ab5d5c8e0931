package content

// Attribute is one trait in collectible metadata.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     any    `json:"value"`
}

// Metadata is the collectible metadata document understood by generic NFT viewers.
type Metadata struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Image       Address        `json:"image,omitempty"`
	Attributes  []Attribute    `json:"attributes"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// Attr appends a trait and returns m for chaining.
func (m *Metadata) Attr(trait string, value any) *Metadata {
	m.Attributes = append(m.Attributes, Attribute{TraitType: trait, Value: value})
	return m
}
