package gradavg

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/Ian2x/gradsync/tensor"
	"k8s.io/klog/v2"
)

// DefaultMarker is the disambiguation marker the host framework inserts in the names of identity
// ops, e.g. "bn/Identity_2:0".
const DefaultMarker = "Identity"

// suffixRe matches what may follow the marker in a participating name: an optional "_<rank>" and
// an optional ":<output index>".
var suffixRe = regexp.MustCompile(`^(?:_(\d+))?(:.*)?$`)

// Resolver renames gradients whose generated names differ across processes only by the order in
// which their ops were created.
//
// Names of the form "<prefix><marker>[_<rank>][:<output>]" that share a prefix form a group. The
// group is sorted by rank (no suffix is rank 0) and the k-th entry is renamed
// "<prefix><marker>_k:<output>", with the suffix omitted for k == 0. The result depends only on
// the set of ranks in the group, so structurally identical models get identical names.
//
// Other names are left untouched, and so are the names of absent gradients.
type Resolver struct {
	// Marker defaults to DefaultMarker.
	Marker string
}

type identityName struct {
	prefix string
	rank   int
	tail   string
}

func (r Resolver) marker() string {
	if r.Marker == "" {
		return DefaultMarker
	}
	return r.Marker
}

func (r Resolver) parse(name string) (identityName, bool) {
	marker := r.marker()
	pos := strings.Index(name, marker)
	if pos < 0 {
		return identityName{}, false
	}
	m := suffixRe.FindStringSubmatch(name[pos+len(marker):])
	if m == nil {
		return identityName{}, false
	}
	parsed := identityName{prefix: name[:pos], tail: m[2]}
	if m[1] != "" {
		rank, err := strconv.Atoi(m[1])
		if err != nil {
			// Too many digits.
			return identityName{}, false
		}
		parsed.rank = rank
	}
	if parsed.tail == "" {
		parsed.tail = ":0"
	}
	return parsed, true
}

// ResolveNames returns the resolved name of every gradient, in order.
func (r Resolver) ResolveNames(grads []tensor.Gradient) []string {
	names := make([]string, len(grads))
	type member struct {
		index int
		name  identityName
	}
	groups := make(map[string][]member)
	var prefixes []string
	for i, g := range grads {
		names[i] = g.Name
		if g.Value == nil {
			continue
		}
		parsed, ok := r.parse(g.Name)
		if !ok {
			continue
		}
		if _, found := groups[parsed.prefix]; !found {
			prefixes = append(prefixes, parsed.prefix)
		}
		groups[parsed.prefix] = append(groups[parsed.prefix], member{index: i, name: parsed})
	}

	marker := r.marker()
	for _, prefix := range prefixes {
		group := groups[prefix]
		slices.SortStableFunc(group, func(a, b member) int { return a.name.rank - b.name.rank })
		for k, m := range group {
			if k > 0 && group[k-1].name.rank == m.name.rank {
				klog.Warningf("gradients %q and %q have the same rank %d: their resolved names depend on creation order",
					grads[group[k-1].index].Name, grads[m.index].Name, m.name.rank)
			}
			suffix := ""
			if k > 0 {
				suffix = "_" + strconv.Itoa(k)
			}
			names[m.index] = prefix + marker + suffix + m.name.tail
		}
	}
	return names
}

// Rename returns a copy of grads with their names resolved. Values are shared, not copied.
func (r Resolver) Rename(grads []tensor.Gradient) []tensor.Gradient {
	names := r.ResolveNames(grads)
	out := slices.Clone(grads)
	for i := range out {
		out[i].Name = names[i]
	}
	return out
}
