// Package progress turns the textual output of the transfer backends into
// one canonical partial update.
package progress

// Update is a partial progress report. Only the fields present in the parsed
// line are set, so a nil field must never overwrite a known value.
type Update struct {
	DownloadedBytes *int64
	TotalBytes      *int64
	Progress        *float64
	Speed           *float64
	ETA             *string
	Peers           *int
	Seeds           *int
	UploadSpeed     *float64

	// Complete is set when the backend reports the transfer as finished.
	Complete bool
	// Expired is set when the source rejected a previously valid URL (HTTP 403/410).
	Expired bool
	// Message carries an error line verbatim.
	Message string
	// Stream names the media stream the update belongs to, if any.
	Stream string
	// Phase names a post-processing step such as merging, if one is running.
	Phase string
}

// Empty reports whether the update carries nothing.
func (u Update) Empty() bool {
	return u.DownloadedBytes == nil && u.TotalBytes == nil && u.Progress == nil &&
		u.Speed == nil && u.ETA == nil && u.Peers == nil && u.Seeds == nil &&
		u.UploadSpeed == nil && !u.Complete && !u.Expired && u.Message == "" && u.Phase == ""
}

// Merge overlays the fields set in next onto u.
func (u Update) Merge(next Update) Update {
	if next.DownloadedBytes != nil {
		u.DownloadedBytes = next.DownloadedBytes
	}

	if next.TotalBytes != nil {
		u.TotalBytes = next.TotalBytes
	}

	if next.Progress != nil {
		u.Progress = next.Progress
	}

	if next.Speed != nil {
		u.Speed = next.Speed
	}

	if next.ETA != nil {
		u.ETA = next.ETA
	}

	if next.Peers != nil {
		u.Peers = next.Peers
	}

	if next.Seeds != nil {
		u.Seeds = next.Seeds
	}

	if next.UploadSpeed != nil {
		u.UploadSpeed = next.UploadSpeed
	}

	if next.Message != "" {
		u.Message = next.Message
	}

	if next.Stream != "" {
		u.Stream = next.Stream
	}

	if next.Phase != "" {
		u.Phase = next.Phase
	}

	u.Complete = u.Complete || next.Complete
	u.Expired = u.Expired || next.Expired

	return u
}

// Parser parses one complete line of backend output.
type Parser interface {
	Parse(line string) Update
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(line string) Update

func (f ParserFunc) Parse(line string) Update {
	return f(line)
}

func ptr[T any](v T) *T {
	return &v
}
