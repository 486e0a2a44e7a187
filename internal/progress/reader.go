package progress

import "io"

// Reader wraps an io.Reader and reports the cumulative byte count via a
// callback every interval bytes and once more when the total is reached.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read int64, total int64)

	totalRead      int64
	sinceReport    int64
	reportInterval int64
}

// NewReader creates a Reader reporting through cb.
func NewReader(r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.sinceReport += int64(n)

		done := pr.Total > 0 && pr.totalRead >= pr.Total
		if pr.OnProgress != nil && (pr.sinceReport >= pr.reportInterval || done) {
			pr.OnProgress(pr.totalRead, pr.Total)
			pr.sinceReport = 0
		}
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}
