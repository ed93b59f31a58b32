package source

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
)

// ldEvent is a schema.org Event pulled from a JSON-LD block.
type ldEvent struct {
	ID          string
	Name        string
	StartDate   string
	EndDate     string
	Description string
	URL         string
	Status      string
	Location    string
	Lat, Lng    *float64
	Raw         json.RawMessage
}

// extractLDBlocks walks the DOM and returns the text of every
// application/ld+json script element.
func extractLDBlocks(body []byte) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var blocks []string
	var walker func(*html.Node)
	walker = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" && isLDScript(n) {
			var b strings.Builder
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					b.WriteString(c.Data)
				}
			}
			if s := strings.TrimSpace(b.String()); s != "" {
				blocks = append(blocks, s)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walker(c)
		}
	}
	walker(doc)
	return blocks, nil
}

func isLDScript(n *html.Node) bool {
	for _, attr := range n.Attr {
		if attr.Key == "type" {
			return strings.EqualFold(strings.TrimSpace(attr.Val), "application/ld+json")
		}
	}
	return false
}

// parseLDEvents decodes one JSON-LD block and returns the Event nodes in
// it, looking through top-level arrays and @graph containers.
func parseLDEvents(block string, base *url.URL) ([]ldEvent, error) {
	var root any
	dec := json.NewDecoder(strings.NewReader(block))
	dec.UseNumber()
	if err := dec.Decode(&root); err != nil {
		return nil, eris.Wrap(err, "decode json-ld")
	}

	var events []ldEvent
	var visit func(v any, depth int)
	visit = func(v any, depth int) {
		if depth > 4 {
			return
		}
		switch node := v.(type) {
		case []any:
			for _, item := range node {
				visit(item, depth+1)
			}
		case map[string]any:
			if graph, ok := node["@graph"]; ok {
				visit(graph, depth+1)
			}
			if isEventType(node["@type"]) {
				events = append(events, toLDEvent(node, base))
			}
		}
	}
	visit(root, 0)
	return events, nil
}

// isEventType accepts "Event" and its schema.org subtypes ("MusicEvent",
// "SocialEvent"), as a string or inside a type array.
func isEventType(t any) bool {
	switch v := t.(type) {
	case string:
		name := v[strings.LastIndexAny(v, "/:")+1:]
		return strings.HasSuffix(name, "Event")
	case []any:
		for _, item := range v {
			if isEventType(item) {
				return true
			}
		}
	}
	return false
}

func toLDEvent(node map[string]any, base *url.URL) ldEvent {
	ev := ldEvent{
		ID:          str(node["@id"]),
		Name:        str(node["name"]),
		StartDate:   str(node["startDate"]),
		EndDate:     str(node["endDate"]),
		Description: str(node["description"]),
		URL:         resolveURL(base, str(node["url"])),
		Status:      str(node["eventStatus"]),
	}
	if raw, err := json.Marshal(node); err == nil {
		ev.Raw = raw
	}

	switch loc := node["location"].(type) {
	case string:
		ev.Location = loc
	case []any:
		if len(loc) > 0 {
			if m, ok := loc[0].(map[string]any); ok {
				ev.Location, ev.Lat, ev.Lng = placeFields(m)
			}
		}
	case map[string]any:
		ev.Location, ev.Lat, ev.Lng = placeFields(loc)
	}
	return ev
}

// placeFields flattens a schema.org Place into address text and optional
// coordinates.
func placeFields(m map[string]any) (string, *float64, *float64) {
	var parts []string
	if name := str(m["name"]); name != "" {
		parts = append(parts, name)
	}
	switch addr := m["address"].(type) {
	case string:
		parts = append(parts, addr)
	case map[string]any:
		for _, key := range []string{"streetAddress", "postalCode", "addressLocality", "addressCountry"} {
			if v := str(addr[key]); v != "" {
				parts = append(parts, v)
			}
		}
	}

	var lat, lng *float64
	if geo, ok := m["geo"].(map[string]any); ok {
		lat, lng = num(geo["latitude"]), num(geo["longitude"])
		if lat == nil || lng == nil {
			lat, lng = nil, nil
		}
	}
	return strings.Join(parts, ", "), lat, lng
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case map[string]any:
		// schema.org country and some ids come as {"name": ...} or {"@id": ...}.
		if n := str(s["name"]); n != "" {
			return n
		}
		return str(s["@id"])
	case json.Number:
		return s.String()
	}
	return ""
}

func num(v any) *float64 {
	var f float64
	var err error
	switch n := v.(type) {
	case json.Number:
		f, err = n.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	return &f
}

func resolveURL(base *url.URL, ref string) string {
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
