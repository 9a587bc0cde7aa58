package adapter

import (
	"strings"

	"github.com/goccy/go-json"
)

// Schema.org structured data as embedded by event platforms. Most fields may
// be either a string or an object, so they are decoded leniently.

var eventTypes = map[string]bool{
	"Event":            true,
	"BusinessEvent":    true,
	"SocialEvent":      true,
	"EducationEvent":   true,
	"PublicationEvent": true,
}

const onlineAttendance = "https://schema.org/OnlineEventAttendanceMode"

// ldTypes accepts "@type" as a string or a list.
type ldTypes []string

func (t *ldTypes) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*t = ldTypes{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return nil
	}
	*t = many
	return nil
}

func (t ldTypes) has(name string) bool {
	for _, s := range t {
		if s == name {
			return true
		}
	}
	return false
}

func (t ldTypes) isEvent() bool {
	for _, s := range t {
		if eventTypes[s] {
			return true
		}
	}
	return false
}

// ldText accepts a string or an object carrying "name".
type ldText string

func (s *ldText) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = ldText(str)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(b, &obj); err == nil {
		*s = ldText(obj.Name)
	}
	return nil
}

type ldAddress struct {
	Street   ldText `json:"streetAddress"`
	Locality ldText `json:"addressLocality"`
	Region   ldText `json:"addressRegion"`
	Country  ldText `json:"addressCountry"`

	// Text is set when the address is a plain string.
	Text string `json:"-"`
}

func (a *ldAddress) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*a = ldAddress{Text: str}
		return nil
	}
	type plain ldAddress
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return nil
	}
	*a = ldAddress(p)
	return nil
}

type ldPlace struct {
	Type    ldTypes   `json:"@type"`
	Name    string    `json:"name"`
	Address ldAddress `json:"address"`
}

func (p *ldPlace) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*p = ldPlace{Name: str}
		return nil
	}
	var list []ldPlace
	if err := json.Unmarshal(b, &list); err == nil {
		if len(list) > 0 {
			*p = list[0]
		}
		return nil
	}
	type plain ldPlace
	var pl plain
	if err := json.Unmarshal(b, &pl); err != nil {
		return nil
	}
	*p = ldPlace(pl)
	return nil
}

func (p ldPlace) virtual() bool { return p.Type.has("VirtualLocation") }

type ldNode struct {
	Type           ldTypes  `json:"@type"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	URL            string   `json:"url"`
	StartDate      string   `json:"startDate"`
	EndDate        string   `json:"endDate"`
	AttendanceMode string   `json:"eventAttendanceMode"`
	Location       *ldPlace `json:"location"`
	Organizer      ldText   `json:"organizer"`

	ItemListElement []json.RawMessage `json:"itemListElement"`
	Graph           []json.RawMessage `json:"@graph"`
}

// collectEvents walks a JSON-LD payload (object, list, ItemList or @graph)
// and returns every Event-typed node.
func collectEvents(raw json.RawMessage) []ldNode {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil
		}
		var out []ldNode
		for _, item := range list {
			out = append(out, collectEvents(item)...)
		}
		return out
	}

	var n ldNode
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil
	}
	switch {
	case n.Type.isEvent():
		return []ldNode{n}
	case n.Type.has("ItemList"):
		var out []ldNode
		for _, el := range n.ItemListElement {
			var wrapper struct {
				Item json.RawMessage `json:"item"`
			}
			if err := json.Unmarshal(el, &wrapper); err == nil && len(wrapper.Item) > 0 {
				el = wrapper.Item
			}
			out = append(out, collectEvents(el)...)
		}
		return out
	case len(n.Graph) > 0:
		var out []ldNode
		for _, item := range n.Graph {
			out = append(out, collectEvents(item)...)
		}
		return out
	}
	return nil
}

// joinNonEmpty joins the non-blank parts with ", ".
func joinNonEmpty(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}
