package command

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/VoolFI71/arena-kv/internal/arena"
	"github.com/VoolFI71/arena-kv/internal/metrics"
	"github.com/VoolFI71/arena-kv/internal/resp"
	"github.com/VoolFI71/arena-kv/internal/storage"
)

const maxEchoedName = 128

// Dispatcher executes commands against a Storage. It is driven by a single
// event loop and is not safe for concurrent use.
type Dispatcher struct {
	st      *storage.Storage
	metrics *metrics.Metrics
	scratch [][]byte
}

func NewDispatcher(st *storage.Storage, m *metrics.Metrics) *Dispatcher {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	d := &Dispatcher{
		st:      st,
		metrics: m,
		scratch: make([][]byte, 0, 16),
	}
	d.metrics.ObserveArena(st.Arena().Offset(), st.Arena().Cap())
	return d
}

// Result is the outcome of one Process call.
type Result struct {
	// Consumed is the number of input bytes fully handled, including skipped
	// malformed frames. The caller drops them from its buffer.
	Consumed int
	// Out is the output buffer with every reply appended.
	Out []byte
	// Commands counts dispatched commands.
	Commands int
	// Close is set when the client asked to close the connection. Bytes after
	// the closing command are left unconsumed.
	Close bool
}

// Process decodes and dispatches every complete frame in in, appending replies
// to out, and stops at the first incomplete frame.
func (d *Dispatcher) Process(in, out []byte) Result {
	res := Result{Out: out}
	for res.Consumed < len(in) {
		cmd, n, err := Decode(in[res.Consumed:], &d.scratch)
		if err != nil {
			d.metrics.ProtocolErrors.Inc()
			res.Out = resp.AppendError(res.Out, "ERR "+err.Error())
			res.Consumed += n
			continue
		}
		if n == 0 {
			break
		}
		res.Consumed += n
		if cmd.Empty() {
			continue
		}

		var quit bool
		res.Out, quit = d.Dispatch(res.Out, cmd)
		res.Commands++
		if quit {
			res.Close = true
			break
		}
	}
	if res.Commands > 0 {
		d.metrics.ObserveArena(d.st.Arena().Offset(), d.st.Arena().Cap())
		d.metrics.Keys.Set(float64(d.st.Len()))
	}
	return res
}

// Dispatch executes cmd and appends its reply to out. The boolean result asks
// the caller to close the connection once out is flushed.
func (d *Dispatcher) Dispatch(out []byte, cmd Command) ([]byte, bool) {
	if cmd.Kind == Unknown {
		d.metrics.ObserveCommand(Unknown.String(), metrics.ResultUnknown)
		return resp.AppendError(out, "ERR unknown command '"+printable(cmd.Name)+"'"), false
	}
	if !cmd.ArityOK() {
		d.metrics.ObserveCommand(cmd.Kind.String(), metrics.ResultError)
		return resp.AppendError(out, "ERR wrong number of arguments for '"+cmd.Kind.String()+"' command"), false
	}

	switch cmd.Kind {
	case Ping:
		d.metrics.ObserveCommand(cmd.Kind.String(), metrics.ResultOK)
		return resp.AppendString(out, "PONG"), false

	case Set:
		key, value := cmd.Args[0], cmd.Args[1]
		if err := d.st.SetHashed(xxhash.Sum64(key), key, value); err != nil {
			if errors.Is(err, arena.ErrOutOfMemory) {
				d.metrics.ObserveCommand(cmd.Kind.String(), metrics.ResultOOM)
				return resp.AppendError(out, "ERR OOM arena exhausted"), false
			}
			d.metrics.ObserveCommand(cmd.Kind.String(), metrics.ResultError)
			return resp.AppendError(out, "ERR "+err.Error()), false
		}
		d.metrics.ObserveCommand(cmd.Kind.String(), metrics.ResultOK)
		return resp.AppendString(out, "OK"), false

	case Get:
		key := cmd.Args[0]
		value, ok := d.st.GetHashed(xxhash.Sum64(key), key)
		if !ok {
			d.metrics.ObserveCommand(cmd.Kind.String(), metrics.ResultMiss)
			return resp.AppendNullBulkString(out), false
		}
		d.metrics.ObserveCommand(cmd.Kind.String(), metrics.ResultOK)
		return resp.AppendBulk(out, value), false

	case Quit:
		d.metrics.ObserveCommand(cmd.Kind.String(), metrics.ResultOK)
		return resp.AppendString(out, "OK"), true
	}

	d.metrics.ObserveCommand(Unknown.String(), metrics.ResultUnknown)
	return resp.AppendError(out, "ERR unknown command '"+printable(cmd.Name)+"'"), false
}

// printable makes a client supplied name safe to echo inside a simple error line.
func printable(name []byte) string {
	if len(name) > maxEchoedName {
		name = name[:maxEchoedName]
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, string(name))
}
