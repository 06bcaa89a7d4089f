// Interactive decoder for hex dumps of frames, e.g. from logic analyzer or `xxd -p`.
package decode

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/vcutele/cmd/vcutele/subcmd"
	"github.com/temoto/vcutele/frame"
	"github.com/temoto/vcutele/helpers/cli"
	"github.com/temoto/vcutele/internal/config"
	"github.com/temoto/vcutele/log2"
)

const modName = "decode"

var Mod = subcmd.Mod{Name: modName, Desc: "decode hex frames from stdin or prompt", NoConfig: true, Main: Main}

func Main(ctx context.Context, _ *config.Config, _ []string) error {
	log := log2.ContextValueLogger(ctx)
	cli.MainLoop(modName, newExecutor(log), newCompleter())
	return nil
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "a55a28", Description: "envelope header: sync pair and payload length"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(log *log2.Log) func(string) {
	return func(line string) {
		if line == "" {
			return
		}
		s, err := DecodeLine(line)
		if err != nil {
			log.Errorf("decode err=%v", err)
			return
		}
		log.Info(s)
	}
}

// DecodeLine accepts full envelope, bare payload or arbitrary stream dump.
// Spaces and colons between bytes are ignored.
func DecodeLine(line string) (string, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(line)
	// hex dumps may lose leading zero
	if len(clean)%2 == 1 {
		clean = "0" + clean
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return "", errors.Annotate(err, "hex")
	}

	if len(b) == frame.PayloadSize {
		var f frame.Frame
		if err := f.UnmarshalPayload(b); err != nil {
			return "", err
		}
		return "payload " + f.String(), nil
	}

	var c frame.Codec
	c.Feed(b)
	var out []string
	for {
		f, err := c.Next()
		if frame.IsNeedMore(err) {
			break
		}
		if err != nil {
			out = append(out, fmt.Sprintf("error %v", err))
			continue
		}
		out = append(out, "frame "+f.String())
	}
	if c.Dropped() != 0 || c.Buffered() != 0 {
		out = append(out, fmt.Sprintf("dropped=%d incomplete=%d", c.Dropped(), c.Buffered()))
	}
	if len(out) == 0 {
		return "", errors.NotFoundf("frame in %d bytes", len(b))
	}
	return strings.Join(out, "\n"), nil
}
