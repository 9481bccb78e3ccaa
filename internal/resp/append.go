package resp

import (
	"strconv"
)

const crlf = "\r\n"

// nullBulk is the reply for a missing key.
const nullBulk = "$-1\r\n"

func appendLine(buf []byte, prefix byte, s string) []byte {
	buf = append(buf, prefix)
	buf = append(buf, s...)
	return append(buf, crlf...)
}

// appendHeader writes a type byte followed by a decimal count and CRLF.
func appendHeader(buf []byte, prefix byte, n int) []byte {
	buf = append(buf, prefix)
	buf = strconv.AppendInt(buf, int64(n), 10)
	return append(buf, crlf...)
}

func AppendString(buf []byte, s string) []byte {
	return appendLine(buf, RESPString, s)
}

func AppendError(buf []byte, msg string) []byte {
	return appendLine(buf, RESPError, msg)
}

func AppendBulk(buf []byte, b []byte) []byte {
	buf = appendHeader(buf, RESPBulkString, len(b))
	buf = append(buf, b...)
	return append(buf, crlf...)
}

func AppendBulkString(buf []byte, s string) []byte {
	buf = appendHeader(buf, RESPBulkString, len(s))
	buf = append(buf, s...)
	return append(buf, crlf...)
}

func AppendNullBulkString(buf []byte) []byte {
	return append(buf, nullBulk...)
}

func AppendInt(buf []byte, n int64) []byte {
	buf = append(buf, RESPInteger)
	buf = strconv.AppendInt(buf, n, 10)
	return append(buf, crlf...)
}

// AppendCommand encodes args as a multi-bulk request.
func AppendCommand(buf []byte, args ...string) []byte {
	buf = appendHeader(buf, RESPArray, len(args))
	for _, arg := range args {
		buf = AppendBulkString(buf, arg)
	}
	return buf
}
