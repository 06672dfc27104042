package manifest

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// linkRels are the <link rel> values whose targets the shell needs offline.
var linkRels = map[string]bool{
	"stylesheet":       true,
	"icon":             true,
	"shortcut":         true,
	"apple-touch-icon": true,
	"manifest":         true,
	"preload":          true,
	"modulepreload":    true,
}

// Discover parses a shell document and returns the relative references
// to scripts, stylesheets, icons, images and the web manifest, in document
// order without duplicates. Absolute and root-relative references are
// skipped: they are either cross-origin or outside the scope.
func Discover(r io.Reader) ([]string, error) {
	z := html.NewTokenizer(r)
	seen := make(map[string]bool)
	var refs []string

	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if !isLocalRef(ref) {
			return
		}
		norm := normalize(ref)
		if seen[norm] {
			return
		}
		seen[norm] = true
		refs = append(refs, norm)
	}

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, fmt.Errorf("parse shell: %w", err)
			}
			return refs, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Script, atom.Img:
				add(attr(tok, "src"))
			case atom.Link:
				for _, rel := range strings.Fields(strings.ToLower(attr(tok, "rel"))) {
					if linkRels[rel] {
						add(attr(tok, "href"))
						break
					}
				}
			}
		}
	}
}

// Missing returns the references not listed in the manifest.
func (m Manifest) Missing(refs []string) []string {
	var missing []string
	for _, ref := range refs {
		if !m.Contains(ref) {
			missing = append(missing, ref)
		}
	}
	return missing
}

func attr(tok html.Token, name string) string {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func isLocalRef(ref string) bool {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, "#") {
		return false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return !u.IsAbs() && u.Host == "" && !escapesScope(ref)
}
