//go:build property
// +build property

package jsonpath_test

import (
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/fluxprotocol/oraclevm/pkg/jsonpath"
)

// TestRecursiveDescentFirstMatch verifies the first recursive match is the
// first occurrence in the document text.
// Property: First($..v) == first value of "v" written in the document
func TestRecursiveDescentFirstMatch(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("first match is stable and in document order", prop.ForAll(
		func(keys []string, values []int) bool {
			var b strings.Builder
			b.WriteString("{")
			first := ""
			for i := 0; i < len(keys) && i < len(values); i++ {
				if i > 0 {
					b.WriteString(",")
				}
				// nest every other value so descent has to cross levels
				key := "k" + keys[i] + strconv.Itoa(i)
				v := strconv.Itoa(values[i])
				if i%2 == 0 {
					b.WriteString(`"` + key + `":{"v":` + v + `}`)
				} else {
					b.WriteString(`"` + key + `":[{"v":` + v + `}]`)
				}
				if first == "" {
					first = v
				}
			}
			b.WriteString("}")

			root, err := jsonpath.Parse([]byte(b.String()))
			if err != nil {
				return false
			}
			p := jsonpath.MustCompile("$..v")
			n1, ok1 := p.First(root)
			n2, ok2 := p.First(root)
			if first == "" {
				return !ok1 && !ok2
			}
			return ok1 && ok2 && n1 == n2 && n1.Text() == first
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}
