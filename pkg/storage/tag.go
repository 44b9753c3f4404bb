package storage

// Inferred-fact tag convention. Every node the inference engine creates
// carries LabelInferred and PropIsInferred=true; every edge it creates has
// AutoGenerated set and PropIsInferred=true. Authored data must never carry
// either marker.
const (
	LabelInferred    = "Inferred"
	PropIsInferred   = "isInferred"
	PropInferredAt   = "inferredAt"
	PropInferredBy   = "inferredBy"
	PropInferenceKey = "inferenceKey"
)

// TagPredicate selects tagged facts. A node matches when it carries Label
// and Property is boolean true. An edge matches when it is AutoGenerated
// and Property is boolean true. Both markers are required, so a stray
// property alone never makes a fact deletable.
type TagPredicate struct {
	Label    string
	Property string
}

// InferredTag is the predicate for facts created by the inference engine.
var InferredTag = TagPredicate{Label: LabelInferred, Property: PropIsInferred}

// Valid reports whether both fields are set. DeleteTagged refuses an
// invalid predicate instead of matching everything.
func (p TagPredicate) Valid() bool {
	return p.Label != "" && p.Property != ""
}

// MatchNode reports whether n is tagged.
func (p TagPredicate) MatchNode(n *Node) bool {
	if n == nil || !p.Valid() {
		return false
	}
	return n.HasLabel(p.Label) && isTrue(n.Properties[p.Property])
}

// MatchEdge reports whether e is tagged.
func (p TagPredicate) MatchEdge(e *Edge) bool {
	if e == nil || !p.Valid() {
		return false
	}
	return e.AutoGenerated && isTrue(e.Properties[p.Property])
}

// CarriesAnyMarker reports whether a node carries either half of the tag.
// Used to reject authored data.
func (p TagPredicate) CarriesAnyMarker(n *Node) bool {
	if n == nil {
		return false
	}
	if _, ok := n.Properties[p.Property]; ok {
		return true
	}
	return n.HasLabel(p.Label)
}

func isTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
