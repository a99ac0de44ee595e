package bundle

import (
	"encoding/json"
	"strings"
)

// rewriteReferences replaces any `reference` string value in content that
// matches a key in idMap (a `urn:uuid:...` full-URL mapped to its assigned
// `Type/id`) with the mapped value. Decode failures return content
// unchanged — validation elsewhere rejects malformed resources before this
// stage runs.
func rewriteReferences(content json.RawMessage, idMap map[string]string) json.RawMessage {
	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		return content
	}
	walkRewrite(doc, idMap)
	out, err := json.Marshal(doc)
	if err != nil {
		return content
	}
	return out
}

func walkRewrite(v any, idMap map[string]string) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if k == "reference" {
				if ref, ok := child.(string); ok {
					if mapped, found := idMap[ref]; found {
						val[k] = mapped
					}
				}
				continue
			}
			walkRewrite(child, idMap)
		}
	case []any:
		for _, item := range val {
			walkRewrite(item, idMap)
		}
	}
}

// rewriteURNInURL substitutes any urn:uuid occurrence in a request URL
// (e.g. a conditional create referencing a sibling entry) with its
// resolved Type/id.
func rewriteURNInURL(url string, idMap map[string]string) string {
	for urn, actual := range idMap {
		url = strings.ReplaceAll(url, urn, actual)
	}
	return url
}
