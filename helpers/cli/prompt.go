// Package cli runs line oriented tools: go-prompt on terminal, batch over piped stdin.
package cli

import (
	"bufio"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		for range signalCh {
			os.Exit(1)
		}
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle("vcutele "+tag),
		).Run()
		return
	}
	if err := Batch(os.Stdin, exec); err != nil {
		log.Fatal(err)
	}
}

// Batch calls exec for each trimmed line of r.
func Batch(r io.Reader, exec func(line string)) error {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	for s.Scan() {
		exec(strings.TrimSpace(s.Text()))
	}
	return s.Err()
}
