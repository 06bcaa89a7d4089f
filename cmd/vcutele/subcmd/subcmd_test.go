package subcmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/vcutele/internal/config"
)

func TestParse(t *testing.T) {
	t.Parallel()
	noop := func(context.Context, *config.Config, []string) error { return nil }
	mods := []Mod{
		{Name: "bridge", Desc: "run", Main: noop},
		{Name: "decode", Desc: "hex", NoConfig: true, Main: noop},
	}
	cases := []struct {
		command   string
		expect    string
		expectErr string
	}{
		{"bridge", "bridge", ""},
		{"decode", "decode", ""},
		{"", "", "empty command"},
		{"flash", "", "unknown command='flash'"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.command, func(t *testing.T) {
			m, err := Parse(c.command, mods)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, m.Name)
		})
	}
	assert.Contains(t, Usage(mods), "decode")
	assert.Panics(t, func() { _, _ = Parse("x", []Mod{{}}) })
}
