package nodemanager

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(stream byte, payload string) []byte {
	header := make([]byte, frameHeaderLen)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func TestDemuxStream(t *testing.T) {
	var src bytes.Buffer
	src.Write(frame(streamStdout, `{"type":"assistant"}`+"\n"))
	src.Write(frame(streamStderr, "warning: slow\n"))
	src.Write(frame(streamStdout, `{"type":"result"}`+"\n"))
	src.Write(frame(streamSystemErr, "oom"))

	var stdout, stderr bytes.Buffer
	require.NoError(t, demuxStream(&src, &stdout, &stderr))
	assert.Equal(t, "{\"type\":\"assistant\"}\n{\"type\":\"result\"}\n", stdout.String())
	assert.Equal(t, "warning: slow\noom", stderr.String())
}

func TestDemuxStreamErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer

	err := demuxStream(bytes.NewReader(frame(9, "x")), &stdout, &stderr)
	assert.ErrorContains(t, err, "unknown stream type 9")

	// 帧头不完整
	err = demuxStream(bytes.NewReader([]byte{1, 0, 0}), &stdout, &stderr)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// 负载被截断
	truncated := frame(streamStdout, "hello")[:frameHeaderLen+2]
	err = demuxStream(bytes.NewReader(truncated), &stdout, &stderr)
	assert.ErrorIs(t, err, io.EOF)
}

func TestExitError(t *testing.T) {
	assert.EqualError(t, &ExitError{Code: 137}, "container exited with status 137")
}
