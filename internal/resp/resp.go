package resp

import (
	"bufio"
	"fmt"
	"io"
)

// Reply is a decoded server reply as seen by a client.
type Reply struct {
	Type byte
	Str  string
	Int  int64
	Null bool
}

// ServerError is an error reply received from the server.
type ServerError string

func (e ServerError) Error() string { return "server error: " + string(e) }

// Err returns the reply as a ServerError when it is an error reply.
func (r Reply) Err() error {
	if r.Type == RESPError {
		return ServerError(r.Str)
	}
	return nil
}

// ReadReply reads one reply from reader. Only the reply types the server emits
// are understood: simple strings, errors, integers and bulk strings.
func ReadReply(reader *bufio.Reader) (Reply, error) {
	line, err := readLine(reader)
	if err != nil {
		return Reply{}, err
	}
	if len(line) < 1 {
		return Reply{}, fmt.Errorf("invalid RESP reply")
	}

	switch line[0] {
	case RESPString, RESPError:
		return Reply{Type: line[0], Str: string(line[1:])}, nil
	case RESPInteger:
		n, err := ParseInt(line[1:])
		if err != nil {
			return Reply{}, fmt.Errorf("invalid integer reply: %v", err)
		}
		return Reply{Type: RESPInteger, Int: int64(n)}, nil
	case RESPBulkString:
		length, err := ParseInt(line[1:])
		if err != nil {
			return Reply{}, fmt.Errorf("invalid bulk string length: %v", err)
		}
		if length == -1 {
			return Reply{Type: RESPBulkString, Null: true}, nil
		}
		if length < 0 {
			return Reply{}, fmt.Errorf("negative bulk string length")
		}
		data := make([]byte, length+2)
		if _, err := io.ReadFull(reader, data); err != nil {
			return Reply{}, err
		}
		if data[length] != '\r' || data[length+1] != '\n' {
			return Reply{}, fmt.Errorf("invalid bulk string terminator")
		}
		return Reply{Type: RESPBulkString, Str: string(data[:length])}, nil
	default:
		return Reply{}, fmt.Errorf("unexpected RESP type: %c", line[0])
	}
}

// readLine returns the next line without its CRLF.
func readLine(reader *bufio.Reader) ([]byte, error) {
	line, err := reader.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		head := append([]byte(nil), line...)
		var rest []byte
		rest, err = reader.ReadBytes('\n')
		line = append(head, rest...)
	}
	if err != nil {
		return nil, err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, fmt.Errorf("invalid RESP line terminator")
	}
	return line[:len(line)-2], nil
}
