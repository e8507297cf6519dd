package coap

import (
	"github.com/dsnet/golib/memfile"
	"github.com/pkg/errors"
)

// blockBuffer accumulates a block-wise reassembly body at arbitrary
// offsets, since blocks of a BLOCK2 download can in principle be
// requested or retried out of strict order. Grounded on the reference
// blockwise reassembly approach of writing each block to its absolute
// offset rather than appending sequentially.
type blockBuffer struct {
	file *memfile.File
	size int64 // high-water mark: largest offset+len written so far
}

func newBlockBuffer() *blockBuffer {
	return &blockBuffer{file: memfile.New(nil)}
}

func (b *blockBuffer) writeAt(p []byte, offset int64) error {
	if _, err := b.file.WriteAt(p, offset); err != nil {
		return wrap(err, "blockwise: reassembly write")
	}
	if end := offset + int64(len(p)); end > b.size {
		b.size = end
	}
	return nil
}

// Bytes returns the reassembled body accumulated so far.
func (b *blockBuffer) Bytes() []byte {
	return append([]byte(nil), b.file.Bytes()...)
}

// StartBlockwise1 begins a BLOCK1 (request-body) transfer of body in
// szx-sized chunks (spec §4.5). The caller drives NextBlock1 to obtain
// each wire fragment.
func StartBlockwise1(ex *Exchange, body []byte, szx SZX) {
	ex.Blockwise = &blockwiseStatus{
		szx:       szx,
		body:      body,
		sizeTotal: len(body),
	}
}

// NextBlock1 returns the next outgoing BLOCK1 fragment: the payload
// slice, its block number, whether more blocks follow, and whether any
// fragment remains to send at all.
func NextBlock1(ex *Exchange) (payload []byte, num int, more bool, ok bool) {
	bw := ex.Blockwise
	if bw == nil {
		return nil, 0, false, false
	}
	size := bw.szx.Size()
	off := bw.sentNum * size
	if off >= len(bw.body) {
		return nil, 0, false, false
	}
	end := off + size
	if end >= len(bw.body) {
		end = len(bw.body)
		return bw.body[off:end], bw.sentNum, false, true
	}
	return bw.body[off:end], bw.sentNum, true, true
}

// AdvanceBlock1 records that the fragment returned by NextBlock1 was
// sent and acknowledged with 2.31 Continue, advancing to the next one.
// A shrunk szx (the server requesting a smaller block size) is honoured
// for all subsequent fragments per RFC 7959 §2.5.
func AdvanceBlock1(ex *Exchange, ackSzx SZX) {
	bw := ex.Blockwise
	if bw == nil {
		return
	}
	bw.sentNum++
	if ackSzx < bw.szx {
		// Renumber the remaining body as if it had always used the
		// smaller block size: sentNum*old == bytes already sent.
		sentBytes := bw.sentNum * bw.szx.Size()
		bw.szx = ackSzx
		bw.sentNum = sentBytes / bw.szx.Size()
	}
}

// StartBlockwise2 begins a BLOCK2 (response-body) download at the given
// preferred block size.
func StartBlockwise2(ex *Exchange, szx SZX) {
	ex.Blockwise = &blockwiseStatus{
		szx: szx,
		buf: newBlockBuffer(),
	}
}

// ReceiveBlock2 folds one downloaded BLOCK2 fragment into ex's
// reassembly buffer. done reports whether the transfer is complete
// (more==false on the fragment just received); body is only valid when
// done is true. The SZX of the first fragment fixes the block size for
// the rest of the transfer (RFC 7959 §2.5); a later fragment arriving
// with a different SZX aborts the transfer with ErrBlockwise.
func ReceiveBlock2(ex *Exchange, szx SZX, num int, more bool, payload []byte) (done bool, body []byte, err error) {
	bw := ex.Blockwise
	if bw == nil {
		return false, nil, errors.Wrap(ErrBlockwise, "no active block-wise transfer")
	}
	if bw.buf == nil {
		bw.buf = newBlockBuffer()
	}
	if bw.recvWant > 0 && szx != bw.szx {
		return false, nil, errors.Wrap(ErrBlockwise, "block size changed mid-transfer")
	}
	off := int64(num) * int64(szx.Size())
	if err := bw.buf.writeAt(payload, off); err != nil {
		return false, nil, err
	}
	bw.szx = szx
	bw.recvWant = num + 1
	if !more {
		bw.sizeTotal = int(bw.buf.size)
		return true, bw.buf.Bytes(), nil
	}
	return false, nil, nil
}

// NextBlock2Request returns the Block2 option value (NUM<<4|M<<3|SZX,
// with M always 0 on a request) for the next fragment a client should
// ask for.
func NextBlock2Request(ex *Exchange) uint32 {
	bw := ex.Blockwise
	if bw == nil {
		return EncodeBlockOption(SZX1024, 0, false)
	}
	return EncodeBlockOption(bw.szx, bw.recvWant, false)
}
