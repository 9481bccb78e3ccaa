package resp

import (
	"bytes"
)

// ParseCommand decodes at most one request from the start of buf.
//
// There are three outcomes:
//   - complete: consumed > 0 and err == nil; *args holds the tokens, which are
//     views into buf and must be copied before buf is modified. An empty *args
//     means the frame carried no command (blank line, "*0").
//   - incomplete: consumed == 0 and err == nil; nothing was consumed and the
//     caller must wait for more bytes.
//   - malformed: err matches ErrProtocol; consumed is the number of bytes to drop
//     to get back onto a line boundary.
func ParseCommand(buf []byte, args *[][]byte) (int, error) {
	*args = (*args)[:0]
	if len(buf) == 0 {
		return 0, nil
	}
	if buf[0] == RESPArray {
		return parseMultiBulk(buf, args)
	}
	return parseInline(buf, args)
}

func parseMultiBulk(buf []byte, args *[][]byte) (int, error) {
	lineEnd := bytes.IndexByte(buf, '\n')
	if lineEnd == -1 {
		return 0, nil
	}
	count, err := parseLenLine(buf[1:lineEnd])
	if err != nil {
		return lineEnd + 1, protocolErrorf("invalid multibulk length")
	}
	if count <= 0 {
		return lineEnd + 1, nil
	}
	if count > MaxArgs {
		return lineEnd + 1, protocolErrorf("invalid multibulk length")
	}

	idx := lineEnd + 1
	for i := 0; i < count; i++ {
		if idx >= len(buf) {
			return 0, nil
		}
		if buf[idx] != RESPBulkString {
			return resync(buf, idx), protocolErrorf("expected '$', got '%c'", buf[idx])
		}
		rel := bytes.IndexByte(buf[idx:], '\n')
		if rel == -1 {
			return 0, nil
		}
		lineEnd = idx + rel
		n, err := parseLenLine(buf[idx+1 : lineEnd])
		if err != nil || n < 0 || n > MaxBulkLen {
			return lineEnd + 1, protocolErrorf("invalid bulk length")
		}
		idx = lineEnd + 1
		if len(buf) < idx+n+2 {
			return 0, nil
		}
		if buf[idx+n] != '\r' || buf[idx+n+1] != '\n' {
			return resync(buf, idx+n), protocolErrorf("invalid bulk string terminator")
		}
		*args = append(*args, buf[idx:idx+n:idx+n])
		idx += n + 2
	}
	return idx, nil
}

func parseInline(buf []byte, args *[][]byte) (int, error) {
	lineEnd := bytes.IndexByte(buf, '\n')
	if lineEnd == -1 {
		if len(buf) > MaxInlineLen {
			return len(buf), protocolErrorf("too big inline request")
		}
		return 0, nil
	}
	line := buf[:lineEnd]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	for i := 0; i < len(line); {
		for i < len(line) && isBlank(line[i]) {
			i++
		}
		start := i
		for i < len(line) && !isBlank(line[i]) {
			i++
		}
		if i > start {
			*args = append(*args, line[start:i:i])
		}
	}
	return lineEnd + 1, nil
}

// resync returns the offset just past the first '\n' at or after from, or the
// whole buffer when there is none.
func resync(buf []byte, from int) int {
	if rel := bytes.IndexByte(buf[from:], '\n'); rel != -1 {
		return from + rel + 1
	}
	return len(buf)
}

func isBlank(b byte) bool { return b == ' ' || b == '\t' }
