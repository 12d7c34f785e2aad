// Package xmlpath reads values out of UPnP XML documents by path.
//
// Documents are kept with their raw qualified names ("s:Body", "u:PlayResponse")
// so that paths can match either the literal prefix a device used or a
// namespace placeholder of the form "<uri>##<local>", resolved against the
// xmlns declarations seen while descending.
package xmlpath

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Node is a parsed XML element.
type Node struct {
	Name     string
	Attrs    []xml.Attr
	Children []*Node
	text     strings.Builder
}

// Parse builds a node tree from an XML document and returns the root element.
// On a syntax error the tree built so far is returned along with the error.
func Parse(data []byte) (*Node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var root *Node
	stack := []*Node{}
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return root, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: qualified(t.Name), Attrs: append([]xml.Attr(nil), t.Attr...)}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("xmlpath: empty document")
	}
	if len(stack) > 0 {
		return root, fmt.Errorf("xmlpath: unexpected EOF inside <%s>", stack[len(stack)-1].Name)
	}
	return root, nil
}

// ParseString is Parse for string input.
func ParseString(s string) (*Node, error) {
	return Parse([]byte(s))
}

func qualified(name xml.Name) string {
	if name.Space == "" {
		return name.Local
	}
	return name.Space + ":" + name.Local
}

// Text returns the character data directly inside the node.
func (n *Node) Text() string {
	if n == nil {
		return ""
	}
	return n.text.String()
}

// Attr returns the value of the attribute with the given qualified name.
func (n *Node) Attr(name string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attrs {
		if qualified(a.Name) == name {
			return a.Value, true
		}
	}
	return "", false
}

// Child returns the first child with the given qualified name.
func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns every child with the given qualified name.
func (n *Node) ChildrenNamed(name string) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// LocalName returns the name without its prefix.
func (n *Node) LocalName() string {
	if i := strings.IndexByte(n.Name, ':'); i >= 0 {
		return n.Name[i+1:]
	}
	return n.Name
}

// namespaces maps a namespace URI to the prefix bound to it ("" for the default namespace).
type namespaces map[string]string

// with returns a copy of ns extended with the declarations on n.
func (ns namespaces) with(n *Node) namespaces {
	out := make(namespaces, len(ns)+len(n.Attrs))
	for k, v := range ns {
		out[k] = v
	}
	for _, a := range n.Attrs {
		switch {
		case a.Name.Space == "" && a.Name.Local == "xmlns":
			out[a.Value] = ""
		case a.Name.Space == "xmlns":
			out[a.Value] = a.Name.Local
		}
	}
	return out
}

// resolve maps a path segment to the qualified name used in the document.
func (ns namespaces) resolve(segment string) (string, bool) {
	i := strings.Index(segment, "##")
	if i < 0 {
		return segment, true
	}
	uri, local := segment[:i], segment[i+2:]
	prefix, ok := ns[uri]
	if !ok {
		return "", false
	}
	if prefix == "" {
		return local, true
	}
	return prefix + ":" + local, true
}

// Find descends from node along segments and returns the node reached.
// Attribute segments are not allowed here.
func Find(node *Node, segments ...string) (*Node, bool) {
	if node == nil {
		return nil, false
	}
	ns := namespaces{}.with(node)
	cur := node
	for _, seg := range segments {
		if strings.HasPrefix(seg, "@") {
			return nil, false
		}
		name, ok := ns.resolve(seg)
		if !ok {
			return nil, false
		}
		next := cur.Child(name)
		if next == nil {
			return nil, false
		}
		cur = next
		ns = ns.with(cur)
	}
	return cur, true
}

// Resolve descends from node along segments and returns the text of the final
// element, or the value of an attribute when a segment starts with "@".
// A missing element or attribute yields ("", false).
func Resolve(node *Node, segments ...string) (string, bool) {
	if node == nil || len(segments) == 0 {
		return "", false
	}
	ns := namespaces{}.with(node)
	cur := node
	for _, seg := range segments {
		if attr, ok := strings.CutPrefix(seg, "@"); ok {
			name, ok := ns.resolve(attr)
			if !ok {
				return "", false
			}
			return cur.Attr(name)
		}
		name, ok := ns.resolve(seg)
		if !ok {
			return "", false
		}
		next := cur.Child(name)
		if next == nil {
			return "", false
		}
		cur = next
		ns = ns.with(cur)
	}
	return cur.Text(), true
}

// SplitPath turns "InstanceID.TransportState@val" into
// ["InstanceID", "TransportState", "@val"]. It does not understand namespace
// placeholders, whose URIs may contain dots.
func SplitPath(path string) []string {
	var attr string
	if i := strings.IndexByte(path, '@'); i >= 0 {
		path, attr = path[:i], path[i:]
	}
	var out []string
	for _, seg := range strings.Split(path, ".") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	if attr != "" {
		out = append(out, attr)
	}
	return out
}
