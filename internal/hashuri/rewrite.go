package hashuri

import "regexp"

var linkAttr = regexp.MustCompile(`(href|src)="(/[^"]*)"`)

// RewriteLinks substitutes hash-qualified URIs for plain URIs in rendered
// HTML, for every linked resource with a known, non-expired entry. Links
// without an entry are left untouched. The templating layer calls this on
// its output; the result round-trips through ResolveIncoming.
func (r *Registry) RewriteLinks(doc []byte) []byte {
	return linkAttr.ReplaceAllFunc(doc, func(match []byte) []byte {
		groups := linkAttr.FindSubmatch(match)
		if groups == nil {
			return match
		}
		hashed, ok := r.HashedPath(string(groups[2]))
		if !ok {
			return match
		}
		if r.onRewrite != nil {
			r.onRewrite()
		}
		out := make([]byte, 0, len(groups[1])+len(hashed)+3)
		out = append(out, groups[1]...)
		out = append(out, '=', '"')
		out = append(out, hashed...)
		out = append(out, '"')
		return out
	})
}
