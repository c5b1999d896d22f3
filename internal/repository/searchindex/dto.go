package searchindex

import (
	"strconv"
	"strings"

	domcontent "github.com/kilnworks/catalogsync/internal/domain/content"
	"github.com/kilnworks/catalogsync/internal/domain/index"
)

// listSeparator joins multi-valued tag fields; matches the content store's
// wire form for list attributes.
const listSeparator = "|"

// Reserved index record field names.
const (
	fieldContentKey   = "content_key"
	fieldContentType  = "content_type"
	fieldDiscoverable = "discoverable"
	fieldFilterIDs    = "filter_ids"
)

// buildHashFields flattens an index record into HSET fields. The mapping is
// deterministic so projecting unchanged inputs twice writes identical fields.
func buildHashFields(rec index.Record) map[string]string {
	src := rec.Source()
	names := src.AttrNames()

	m := make(map[string]string, 4+len(names))
	m[fieldContentKey] = rec.ContentKey()
	m[fieldContentType] = string(rec.ContentType())
	m[fieldDiscoverable] = strconv.FormatBool(rec.Discoverable())
	m[fieldFilterIDs] = strings.Join(rec.FilterIDs(), listSeparator)

	for _, name := range names {
		switch name {
		case fieldContentKey, fieldContentType, fieldDiscoverable, fieldFilterIDs:
			continue // reserved
		}
		v, _ := src.Attr(name)
		switch v.Kind() {
		case domcontent.KindNumber:
			n, _ := v.Num()
			m[name] = strconv.FormatFloat(n, 'f', -1, 64)
		case domcontent.KindStringList:
			m[name] = strings.Join(v.List(), listSeparator)
		default:
			m[name] = v.Str()
		}
	}
	return m
}
