package hashchain

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: VerifyProof(GetProof(i), Root()) holds for every committed index.
func TestChainProofsAlwaysVerify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every event proof reaches the root", prop.ForAll(
		func(payloads []string) bool {
			ctx := context.Background()
			c, err := New(ctx, NewMemoryEventStore())
			if err != nil {
				return false
			}
			for _, p := range payloads {
				if _, err := c.Append(ctx, map[string]any{"v": p}); err != nil {
					return false
				}
			}
			root := c.Root().String()
			for i := uint64(0); i < c.Len(); i++ {
				proof, err := c.GetProof(ctx, i)
				if err != nil || !VerifyProof(*proof, root) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(12, gen.AlphaString()),
	))

	properties.Property("verification is idempotent", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			c, _ := New(ctx, NewMemoryEventStore())
			for i := 0; i < n; i++ {
				if _, err := c.Append(ctx, i); err != nil {
					return false
				}
			}
			ok1, err1 := c.VerifyIntegrity(ctx)
			ok2, err2 := c.VerifyIntegrity(ctx)
			return ok1 && ok2 && err1 == nil && err2 == nil
		},
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}
