package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
)

const defaultBlockSize = 64 * 1024

// AllReverse yields entries most-recent-first. The file is read backwards in
// fixed-size blocks, so memory use is bounded by the longest line rather than
// the ledger size. Entries appended after iteration starts are not seen. An
// unparseable line is yielded as an ErrCorruptEntry error and iteration
// continues if the consumer asks for more. Any other error ends iteration.
func (l *Ledger) AllReverse() iter.Seq2[Transaction, error] {
	return l.allReverse(defaultBlockSize)
}

func (l *Ledger) allReverse(blockSize int) iter.Seq2[Transaction, error] {
	return func(yield func(Transaction, error) bool) {
		f, err := os.Open(l.path)
		if err != nil {
			if !os.IsNotExist(err) {
				yield(Transaction{}, fmt.Errorf("ledger: open: %w", err))
			}
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			yield(Transaction{}, fmt.Errorf("ledger: stat: %w", err))
			return
		}

		rr := &reverseLines{r: f, pos: info.Size(), block: blockSize}
		for {
			line, err := rr.next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Transaction{}, fmt.Errorf("ledger: read: %w", err))
				return
			}
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var tx Transaction
			if err := json.Unmarshal(line, &tx); err != nil {
				if !yield(Transaction{}, fmt.Errorf("%w: %w", ErrCorruptEntry, err)) {
					return
				}
				continue
			}
			if !yield(tx, nil) {
				return
			}
		}
	}
}

// reverseLines returns the lines of r from last to first.
type reverseLines struct {
	r     io.ReaderAt
	pos   int64 // bytes before pos have not been read yet
	buf   []byte
	block int
}

func (rr *reverseLines) next() ([]byte, error) {
	for {
		for len(rr.buf) > 0 && rr.buf[len(rr.buf)-1] == '\n' {
			rr.buf = rr.buf[:len(rr.buf)-1]
		}
		if i := bytes.LastIndexByte(rr.buf, '\n'); i >= 0 {
			line := rr.buf[i+1:]
			rr.buf = rr.buf[:i+1]
			return line, nil
		}
		if rr.pos == 0 {
			if len(rr.buf) == 0 {
				return nil, io.EOF
			}
			line := rr.buf
			rr.buf = nil
			return line, nil
		}

		n := int64(rr.block)
		if n > rr.pos {
			n = rr.pos
		}
		rr.pos -= n
		chunk := make([]byte, int(n)+len(rr.buf))
		if _, err := rr.r.ReadAt(chunk[:n], rr.pos); err != nil && err != io.EOF {
			return nil, err
		}
		copy(chunk[n:], rr.buf)
		rr.buf = chunk
	}
}
