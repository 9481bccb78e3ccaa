// Package command turns decoded request frames into operations on the store.
package command

import (
	"bytes"

	"github.com/VoolFI71/arena-kv/internal/resp"
)

// Kind is the closed set of commands the server understands.
type Kind uint8

const (
	Unknown Kind = iota
	Ping
	Set
	Get
	Quit
)

type kindInfo struct {
	name string
	// minArgs counts arguments after the command name.
	minArgs int
}

var kinds = [...]kindInfo{
	Unknown: {name: "unknown"},
	Ping:    {name: "ping"},
	Set:     {name: "set", minArgs: 2},
	Get:     {name: "get", minArgs: 1},
	Quit:    {name: "quit"},
}

func (k Kind) String() string {
	if int(k) < len(kinds) {
		return kinds[k].name
	}
	return "unknown"
}

// MinArgs is the number of arguments the command needs after its name.
func (k Kind) MinArgs() int {
	if int(k) < len(kinds) {
		return kinds[k].minArgs
	}
	return 0
}

// Lookup maps a command name to its Kind, ignoring ASCII case.
func Lookup(name []byte) Kind {
	for k := Ping; int(k) < len(kinds); k++ {
		if bytes.EqualFold(name, []byte(kinds[k].name)) {
			return k
		}
	}
	return Unknown
}

// Command is one decoded request. Name and Args alias the input buffer.
type Command struct {
	Kind Kind
	Name []byte
	Args [][]byte
}

// Empty reports whether the frame carried no command at all.
func (c Command) Empty() bool { return c.Name == nil }

// ArityOK reports whether the command has at least as many arguments as its kind requires.
func (c Command) ArityOK() bool { return len(c.Args) >= c.Kind.MinArgs() }

// Decode parses one frame from buf and classifies it. The outcomes and the
// meaning of the returned length are those of resp.ParseCommand. scratch is
// reused for the token list.
func Decode(buf []byte, scratch *[][]byte) (Command, int, error) {
	n, err := resp.ParseCommand(buf, scratch)
	if err != nil || n == 0 {
		return Command{}, n, err
	}
	tokens := *scratch
	if len(tokens) == 0 {
		return Command{}, n, nil
	}
	return Command{Kind: Lookup(tokens[0]), Name: tokens[0], Args: tokens[1:]}, n, nil
}
