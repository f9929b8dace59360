package core

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	for _, cmd := range []command{
		setCommand("foo", "bar"),
		setCommand("empty", ""),
		setCommand("", "no key"),
		setCommand("unicode", "héllo wörld ✓"),
		removeCommand("gone"),
	} {
		payload, err := encodeCommand(cmd)
		require.NoError(t, err)

		got, err := decodeCommand(payload)
		require.NoError(t, err)
		assert.Equal(t, cmd, got)
	}
}

func TestDecodeCommandRejectsUnknownOp(t *testing.T) {
	_, err := decodeCommand([]byte(`{"op":"bump","key":"k"}`))
	require.ErrorIs(t, err, ErrCodec)

	_, err = decodeCommand([]byte(`not json at all`))
	require.ErrorIs(t, err, ErrCodec)
}

func TestWriteReadRecord(t *testing.T) {
	var buf bytes.Buffer

	n, err := writeRecord(&buf, setCommand("k1", "v1"))
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)

	cmd, raw, err := readRecordAt(bytes.NewReader(buf.Bytes()), 0, n)
	require.NoError(t, err)
	assert.Equal(t, setCommand("k1", "v1"), cmd)
	assert.Equal(t, buf.Bytes(), raw)
}

// Flipping any single payload byte must surface as corruption.
func TestReadRecordDetectsEveryPayloadFlip(t *testing.T) {
	rec := rawRecord(t, setCommand("a", "hello"))

	for i := hdrLen; i < len(rec); i++ {
		mutated := bytes.Clone(rec)
		mutated[i] ^= 0x01

		_, _, err := readRecordAt(bytes.NewReader(mutated), 0, int64(len(mutated)))
		require.ErrorIs(t, err, ErrCorruption, "flip at byte %d went undetected", i)
	}
}

func TestReadRecordRejectsBogusExtents(t *testing.T) {
	rec := rawRecord(t, setCommand("k", "v"))
	r := bytes.NewReader(rec)

	// extent shorter than a header
	_, _, err := readRecordAt(r, 0, hdrLen-1)
	require.ErrorIs(t, err, ErrCorruption)

	// extent longer than the safety cap
	_, _, err = readRecordAt(r, 0, hdrLen+maxPayloadLen+1)
	require.ErrorIs(t, err, ErrCorruption)

	// header length and extent length disagree
	short := bytes.Clone(rec)
	binary.LittleEndian.PutUint64(short[csLen:hdrLen], uint64(len(rec)))
	_, _, err = readRecordAt(bytes.NewReader(short), 0, int64(len(short)))
	require.ErrorIs(t, err, ErrCorruption)
}

func TestScannerYieldsRecordsInOrder(t *testing.T) {
	var buf bytes.Buffer
	cmds := []command{
		setCommand("a", "1"),
		setCommand("b", "2"),
		removeCommand("a"),
	}
	var wantOffs []int64
	var off int64
	for _, cmd := range cmds {
		wantOffs = append(wantOffs, off)
		n, err := writeRecord(&buf, cmd)
		require.NoError(t, err)
		off += n
	}

	rs := newRecordScanner(bytes.NewReader(buf.Bytes()))
	var got []*scannedRecord
	for rs.scan() {
		got = append(got, rs.record)
	}
	require.NoError(t, rs.err)
	require.Len(t, got, len(cmds))

	for i, rec := range got {
		assert.Equal(t, cmds[i], rec.cmd)
		assert.Equal(t, wantOffs[i], rec.off)
	}
	assert.Equal(t, int64(buf.Len()), rs.end)
}

func TestScannerToleratesTornTail(t *testing.T) {
	full := rawRecord(t, setCommand("a", "1"))
	torn := rawRecord(t, setCommand("b", "222222"))

	// drop the last byte of the second record's payload
	data := append(bytes.Clone(full), torn[:len(torn)-1]...)

	rs := newRecordScanner(bytes.NewReader(data))
	require.True(t, rs.scan())
	assert.Equal(t, setCommand("a", "1"), rs.record.cmd)
	require.False(t, rs.scan())

	// a torn tail is not an error, and the end offset excludes it
	require.NoError(t, rs.err)
	assert.Equal(t, int64(len(full)), rs.end)
}

func TestScannerToleratesPartialHeader(t *testing.T) {
	full := rawRecord(t, setCommand("a", "1"))
	data := append(bytes.Clone(full), full[:hdrLen-3]...)

	rs := newRecordScanner(bytes.NewReader(data))
	require.True(t, rs.scan())
	require.False(t, rs.scan())
	require.NoError(t, rs.err)
	assert.Equal(t, int64(len(full)), rs.end)
}

func TestScannerStopsOnCrcMismatch(t *testing.T) {
	first := rawRecord(t, setCommand("a", "1"))
	second := rawRecord(t, setCommand("b", "2"))
	second[hdrLen] ^= 0xFF

	data := append(bytes.Clone(first), second...)

	rs := newRecordScanner(bytes.NewReader(data))
	require.True(t, rs.scan())
	require.False(t, rs.scan())
	require.ErrorIs(t, rs.err, ErrCorruption)
	assert.Equal(t, int64(len(first)), rs.end)
}

func TestScannerStopsOnUndecodablePayload(t *testing.T) {
	// valid checksum over a payload that is not a command
	payload := []byte("definitely not json")
	rec := make([]byte, hdrLen+len(payload))
	binary.LittleEndian.PutUint32(rec[:csLen], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint64(rec[csLen:hdrLen], uint64(len(payload)))
	copy(rec[hdrLen:], payload)

	rs := newRecordScanner(bytes.NewReader(rec))
	require.False(t, rs.scan())
	require.ErrorIs(t, rs.err, ErrCodec)
}

func TestScannerStopsOnOversizedHeader(t *testing.T) {
	rec := make([]byte, hdrLen)
	binary.LittleEndian.PutUint64(rec[csLen:hdrLen], maxPayloadLen+1)

	rs := newRecordScanner(bytes.NewReader(rec))
	require.False(t, rs.scan())
	require.ErrorIs(t, rs.err, ErrCorruption)
}
