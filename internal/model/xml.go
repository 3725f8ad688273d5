package model

import (
	"bytes"
	"encoding/xml"
	"regexp"
	"strings"

	"codeberg.org/mutker/loxbridge/internal/errors"
	"codeberg.org/mutker/loxbridge/internal/logger"
)

// xmlNode is a generic element tree; the structural document's schema is
// too loose for typed unmarshaling.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []xmlNode  `xml:",any"`
}

func (n *xmlNode) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}

	return ""
}

func (n *xmlNode) child(name string) *xmlNode {
	for i := range n.Children {
		if n.Children[i].XMLName.Local == name {
			return &n.Children[i]
		}
	}

	return nil
}

func (n *xmlNode) walk(fn func(*xmlNode)) {
	fn(n)
	for i := range n.Children {
		n.Children[i].walk(fn)
	}
}

// parseDocument parses strictly first and retries with a recovering decoder
// on failure; controller exports are occasionally malformed and must never
// abort the build.
func parseDocument(document string) (*xmlNode, error) {
	errFactory := errors.New()

	root := &xmlNode{}
	err := xml.Unmarshal([]byte(document), root)
	if err == nil {
		return root, nil
	}
	logger.Warn().Err(err).Msg("Strict XML parsing failed, retrying with recovering parser")

	root = &xmlNode{}
	dec := xml.NewDecoder(bytes.NewReader([]byte(document)))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity
	if err := dec.Decode(root); err != nil {
		return nil, errFactory.Wrap(ErrParseFailed, err)
	}
	logger.Warn().Msg("Parsed malformed document in recovery mode")

	return root, nil
}

func stripBOM(s string) string {
	return strings.TrimPrefix(s, "\ufeff")
}

var (
	dupAttrElement = regexp.MustCompile(`<C\s+Type="(?:LoxAIR|LoxAIRDevice|User)"[^>]*>`)
	attrPair       = regexp.MustCompile(`\S+="[^"]*"|\S+=[^"\s>/]+`)
)

// repairDuplicateAttributes rewrites element types known to carry duplicated
// attributes in controller exports, keeping the first occurrence of each
// attribute name.
func repairDuplicateAttributes(document string) string {
	return dupAttrElement.ReplaceAllStringFunc(document, func(tag string) string {
		selfClosing := strings.HasSuffix(tag, "/>")

		pairs := attrPair.FindAllString(tag, -1)
		seen := make(map[string]struct{}, len(pairs))
		kept := make([]string, 0, len(pairs))
		for _, pair := range pairs {
			name := pair[:strings.Index(pair, "=")]
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			kept = append(kept, pair)
		}

		if len(kept) == len(pairs) {
			return tag
		}

		rebuilt := "<C " + strings.Join(kept, " ")
		if selfClosing {
			return rebuilt + "/>"
		}

		return rebuilt + ">"
	})
}
