package content

import (
	"fmt"
	"strconv"
	"strings"

	domcontent "github.com/kilnworks/catalogsync/internal/domain/content"
)

// listSeparator joins multi-valued attributes in hash fields. It matches the
// TAG separator used by the projected search index so both stores agree on
// the wire form of list values.
const listSeparator = "|"

// Reserved hash field names. __key duplicates the content key inside the
// hash so the FT index over content hashes can restrict queries to keys.
// __kinds records which attributes are numbers or lists, so reads never
// infer a kind from the wire form ("007" stays the string it was stored as).
const (
	fieldKey    = "__key"
	fieldType   = "__type"
	fieldParent = "__parent"
	fieldKinds  = "__kinds"
)

// Kind markers stored in __kinds as comma-joined "name=marker" pairs.
// String attributes are the default and carry no marker.
const (
	kindNumber = "n"
	kindList   = "l"
)

// buildHashFields converts a domain Record into a flat map[string]string for HSET.
func buildHashFields(rec domcontent.Record) map[string]string {
	names := rec.AttrNames()
	m := make(map[string]string, 4+len(names))
	m[fieldKey] = rec.Key()
	m[fieldType] = string(rec.ContentType())
	if rec.ParentKey() != "" {
		m[fieldParent] = rec.ParentKey()
	}
	var kinds []string
	for _, name := range names {
		if name == "type" {
			continue // stored as __type
		}
		v, _ := rec.Attr(name)
		switch v.Kind() {
		case domcontent.KindNumber:
			n, _ := v.Num()
			m[name] = strconv.FormatFloat(n, 'f', -1, 64)
			kinds = append(kinds, name+"="+kindNumber)
		case domcontent.KindStringList:
			m[name] = strings.Join(v.List(), listSeparator)
			kinds = append(kinds, name+"="+kindList)
		default:
			m[name] = v.Str()
		}
	}
	if len(kinds) > 0 {
		m[fieldKinds] = strings.Join(kinds, ",")
	}
	return m
}

// parseHashFields converts a flat hash map back into a domain Record, using
// the recorded __kinds field to restore number and list attributes.
func parseHashFields(key string, m map[string]string) (domcontent.Record, error) {
	typ := domcontent.Type(m[fieldType])
	parent := m[fieldParent]
	kinds := parseKinds(m[fieldKinds])

	attrs := make(map[string]domcontent.Value, len(m))
	for k, v := range m {
		switch k {
		case fieldKey, fieldType, fieldParent, fieldKinds:
			continue
		}
		attrs[k] = parseValue(v, kinds[k])
	}

	rec, err := domcontent.NewRecord(key, typ, attrs, parent)
	if err != nil {
		return domcontent.Record{}, fmt.Errorf("reconstruct content %s: %w", key, err)
	}
	return rec, nil
}

func parseKinds(spec string) map[string]string {
	if spec == "" {
		return nil
	}
	kinds := make(map[string]string, 4)
	for _, pair := range strings.Split(spec, ",") {
		if name, kind, ok := strings.Cut(pair, "="); ok {
			kinds[name] = kind
		}
	}
	return kinds
}

// parseValue reconstructs a value from its wire form and its recorded kind.
// Attributes without a recorded kind are strings and round-trip unchanged.
func parseValue(v, kind string) domcontent.Value {
	switch kind {
	case kindNumber:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return domcontent.Number(f)
		}
		return domcontent.String(v)
	case kindList:
		if v == "" {
			return domcontent.StringList()
		}
		return domcontent.StringList(strings.Split(v, listSeparator)...)
	default:
		return domcontent.String(v)
	}
}
