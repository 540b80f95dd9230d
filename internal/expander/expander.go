// Package expander turns batch variables into concrete per-job combinations.
package expander

import (
	"math"
	"strings"

	"github.com/video-batcher/internal/models"
)

// Expand returns the cross product of all variables that have at least one value.
// The first variable's values vary slowest, so combination order is stable and
// a combination can be matched back to its index. Variables without values add
// no constraint; with none left a single empty combination is returned.
func Expand(variables []models.Variable) []models.Combination {
	active := make([]models.Variable, 0, len(variables))
	for _, v := range variables {
		if len(v.Values) > 0 {
			active = append(active, v)
		}
	}
	return expand(active)
}

func expand(variables []models.Variable) []models.Combination {
	if len(variables) == 0 {
		return []models.Combination{{}}
	}

	head, rest := variables[0], expand(variables[1:])
	out := make([]models.Combination, 0, len(head.Values)*len(rest))
	for _, value := range head.Values {
		for _, tail := range rest {
			combo := make(models.Combination, len(tail)+1)
			for k, v := range tail {
				combo[k] = v
			}
			combo[head.Name] = value
			out = append(out, combo)
		}
	}
	return out
}

// Count returns len(Expand(variables)) without building the combinations.
// A product that does not fit in an int saturates at math.MaxInt.
func Count(variables []models.Variable) int {
	n := 1
	for _, v := range variables {
		k := len(v.Values)
		if k == 0 {
			continue
		}
		if n > math.MaxInt/k {
			return math.MaxInt
		}
		n *= k
	}
	return n
}

// Substitute replaces every {key} in template with combo[key].
// Keys missing from the combination are left as written. Substituted values
// are not scanned again.
func Substitute(template string, combo models.Combination) string {
	if len(combo) == 0 || !strings.Contains(template, "{") {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); {
		if template[i] != '{' {
			b.WriteByte(template[i])
			i++
			continue
		}

		end := strings.IndexByte(template[i+1:], '}')
		if end < 0 {
			b.WriteString(template[i:])
			break
		}

		key := template[i+1 : i+1+end]
		if value, ok := combo[key]; ok {
			b.WriteString(value)
			i += end + 2
			continue
		}

		b.WriteByte('{')
		i++
	}

	return b.String()
}
