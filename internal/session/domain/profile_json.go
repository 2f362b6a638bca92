package domain

import "encoding/json"

var profileKnown = map[string]struct{}{"id": {}, "email": {}, "name": {}, "role": {}}

// MarshalJSON writes the known fields and Extra as one object.
func (p Profile) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+4)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["id"] = p.ID
	if p.Email != "" {
		out["email"] = p.Email
	}
	if p.Name != "" {
		out["name"] = p.Name
	}
	if p.Role != "" {
		out["role"] = p.Role
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the known fields and keeps the rest in Extra.
// A numeric id is accepted and kept in its decimal form.
func (p *Profile) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = Profile{}
	if v, ok := raw["id"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			var n json.Number
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			s = n.String()
		}
		p.ID = s
	}
	for key, dst := range map[string]*string{"email": &p.Email, "name": &p.Name, "role": &p.Role} {
		if v, ok := raw[key]; ok {
			if err := json.Unmarshal(v, dst); err != nil {
				return err
			}
		}
	}
	for k, v := range raw {
		if _, known := profileKnown[k]; known {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]any)
		}
		var anyV any
		if err := json.Unmarshal(v, &anyV); err != nil {
			return err
		}
		p.Extra[k] = anyV
	}
	return nil
}
