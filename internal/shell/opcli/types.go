package opcli

// =============================================================================
// op CLI JSON Types
// =============================================================================

// Item is the shape of `op item get --format json`.
type Item struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Fields []Field `json:"fields"`
	Vault  Vault   `json:"vault"`
}

// Field is a single field within an item.
type Field struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// Vault identifies the vault an item belongs to.
type Vault struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Account is the shape of `op whoami --format json`.
type Account struct {
	URL         string `json:"url"`
	Email       string `json:"email,omitempty"`
	UserType    string `json:"user_type"`
	AccountUUID string `json:"account_uuid"`
}

// FieldValue returns the value of the field with the given label.
func (i *Item) FieldValue(label string) (string, bool) {
	for _, f := range i.Fields {
		if f.Label == label {
			return f.Value, true
		}
	}
	return "", false
}
