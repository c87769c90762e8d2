package dump

import (
	"errors"
	"io"
)

// Copy copies src to dst until src reports io.EOF, like io.Copy. Sink
// failures reported by a wrapper on either side do not stop the copy: the
// wrapper has already logged them once and keeps passing bytes through.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if rerr != nil && errors.Is(rerr, ErrSinkWrite) {
			rerr = nil
		}
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil && !errors.Is(werr, ErrSinkWrite) {
				return total, werr
			}
			if wn < n {
				return total, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
