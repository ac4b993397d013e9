package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahkoh/wl-proxy-sub007/internal/protoerr"
	"github.com/mahkoh/wl-proxy-sub007/internal/wire"
)

func TestBeginEndMessagePatchesLength(t *testing.T) {
	var out wire.OutBuffer
	tok := out.BeginMessage(0x10, 3)
	out.AppendWords(1, 2, 3)
	out.EndMessage(tok)

	require.Len(t, out.Bytes(), 20) // 2 header words + 3 body words

	var in wire.InBuffer
	in.Feed(out.Bytes())
	hdr, body, ok, err := in.TryConsumeMessage()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x10), hdr.ObjectID)
	assert.Equal(t, uint16(3), hdr.Opcode)
	assert.EqualValues(t, 20, hdr.Length)
	assert.Len(t, body, 12)
}

func TestCoalescedMessagesConsumeIndependently(t *testing.T) {
	var out wire.OutBuffer
	tok1 := out.BeginMessage(1, 0)
	out.AppendWords(10)
	out.EndMessage(tok1)
	tok2 := out.BeginMessage(2, 1)
	out.AppendWords(20, 21)
	out.EndMessage(tok2)

	var in wire.InBuffer
	in.Feed(out.Bytes())

	hdr1, _, ok, err := in.TryConsumeMessage()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), hdr1.ObjectID)

	hdr2, _, ok, err := in.TryConsumeMessage()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), hdr2.ObjectID)

	_, _, ok, err = in.TryConsumeMessage()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPartialMessageNotConsumed(t *testing.T) {
	var out wire.OutBuffer
	tok := out.BeginMessage(1, 0)
	out.AppendWords(1, 2)
	out.EndMessage(tok)

	var in wire.InBuffer
	in.Feed(out.Bytes()[:8]) // header only, body not yet arrived
	_, _, ok, err := in.TryConsumeMessage()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 8, in.PendingBytes())
}

func TestMalformedLengthIsFatal(t *testing.T) {
	var out wire.OutBuffer
	out.AppendWords(1, 13<<16) // declares length 13: longer than a header, not a multiple of 4

	var in wire.InBuffer
	in.Feed(out.Bytes())
	_, _, _, err := in.TryConsumeMessage()
	require.Error(t, err)
	assert.True(t, protoerr.Is(err, protoerr.KindTrailingBytes))
}

func TestDrainRemovesFrontBytesAndFDs(t *testing.T) {
	var out wire.OutBuffer
	out.AppendWords(1, 2, 3)
	out.PushFD(7)
	out.PushFD(8)

	assert.Equal(t, 12, out.Len())
	out.Drain(4, 1)
	assert.Equal(t, 8, out.Len())
	assert.Equal(t, []int{8}, out.FDs())
}
