package mirror

import (
	"bytes"
	"io"
)

// teeBody copies what the client reads into a buffer and hands the complete
// body to onEOF. Bodies larger than limit are streamed but not buffered.
type teeBody struct {
	rc       io.ReadCloser
	buf      bytes.Buffer
	limit    int64
	overflow bool
	done     bool
	onEOF    func(body []byte)
}

func newTeeBody(rc io.ReadCloser, limit int64, onEOF func([]byte)) *teeBody {
	return &teeBody{rc: rc, limit: limit, onEOF: onEOF}
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 && !t.overflow {
		if int64(t.buf.Len()+n) > t.limit {
			t.overflow = true
			t.buf = bytes.Buffer{}
		} else {
			t.buf.Write(p[:n])
		}
	}
	if err == io.EOF && !t.done {
		t.done = true
		if !t.overflow {
			t.onEOF(t.buf.Bytes())
		}
	}
	return n, err
}

func (t *teeBody) Close() error {
	return t.rc.Close()
}
