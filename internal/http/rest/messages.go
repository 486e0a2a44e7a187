package rest

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/italolelis/transferd/internal/staging"
	"github.com/italolelis/transferd/internal/transfer"
)

// Message types accepted from clients.
const (
	TypeDownload         = "download"
	TypeOpenApp          = "openApp"
	TypeExtractQualities = "extractQualities"
	TypeDownloadYouTube  = "downloadYouTube"
	TypeVideoCapture     = "videoCapture"
	TypePing             = "ping"
)

// Reply types sent back to clients.
const (
	TypePong              = "pong"
	TypeAck               = "ack"
	TypeExtractionStarted = "extractionStarted"
	TypeQualities         = "youtubeQualities"
	TypeError             = "error"
)

// Message is one inbound control plane message. Only the fields relevant to
// its Type are set.
type Message struct {
	Type      string            `json:"type"`
	URL       string            `json:"url,omitempty"`
	FileName  string            `json:"fileName,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Quality   string            `json:"quality,omitempty"`
	Title     string            `json:"title,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Data      *CaptureData      `json:"data,omitempty"`
}

// CaptureData is the payload of a videoCapture message sent by the browser extension.
type CaptureData struct {
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	PageTitle   string            `json:"pageTitle,omitempty"`
	VideoType   string            `json:"videoType,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
}

type Pong struct {
	Type string `json:"type"`
}

// Ack acknowledges a message that changed state.
type Ack struct {
	Type    string `json:"type"`
	For     string `json:"for"`
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ExtractionStarted struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

type Qualities struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId"`
	Qualities []Quality `json:"qualities"`
}

type ErrorReply struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func ack(msgType string, id string, err error) Ack {
	a := Ack{Type: TypeAck, For: msgType, Success: err == nil, ID: id}
	if err != nil {
		a.Error = transfer.Reason(err)
	}

	return a
}

func errorReply(format string, args ...any) ErrorReply {
	return ErrorReply{Type: TypeError, Error: fmt.Sprintf(format, args...)}
}

// addRequest translates an enqueue message into an AddRequest rooted at saveDir.
func addRequest(msg Message, saveDir string) (transfer.AddRequest, error) {
	switch msg.Type {
	case TypeDownload:
		return transfer.AddRequest{
			URL:      msg.URL,
			FileName: msg.FileName,
			SavePath: saveDir,
			Headers:  msg.Headers,
		}, nil
	case TypeDownloadYouTube:
		return transfer.AddRequest{
			URL:      msg.URL,
			SavePath: saveDir,
			Kind:     transfer.KindMedia,
			Headers:  msg.Headers,
			Media:    mediaOptions(msg.Quality, msg.Title),
		}, nil
	case TypeVideoCapture:
		if msg.Data == nil {
			return transfer.AddRequest{}, &transfer.ProtocolError{Reason: "missing capture data"}
		}

		return captureRequest(*msg.Data, saveDir), nil
	}

	return transfer.AddRequest{}, &transfer.ProtocolError{Reason: "not an enqueue message: " + msg.Type}
}

func captureRequest(d CaptureData, saveDir string) transfer.AddRequest {
	req := transfer.AddRequest{
		URL:      d.URL,
		SavePath: saveDir,
		Headers:  d.Headers,
	}

	if isStreamCapture(d) {
		req.Kind = transfer.KindMedia
		req.Media = &transfer.MediaOptions{Title: d.PageTitle}

		return req
	}

	if transfer.KindForURL(d.URL) == transfer.KindMedia {
		req.Media = &transfer.MediaOptions{Title: d.PageTitle}

		return req
	}

	if strings.TrimSpace(d.PageTitle) != "" {
		req.FileName = staging.SanitizeFileName(d.PageTitle) + captureExt(d)
	}

	return req
}

func isStreamCapture(d CaptureData) bool {
	vt := strings.ToLower(d.VideoType)
	ct := strings.ToLower(d.ContentType)

	return vt == "hls" || vt == "dash" || vt == "m3u8" ||
		strings.Contains(ct, "mpegurl") || strings.Contains(ct, "dash+xml")
}

func captureExt(d CaptureData) string {
	if u, err := url.Parse(d.URL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			return ext
		}
	}

	switch ct := strings.ToLower(d.ContentType); {
	case strings.Contains(ct, "webm"):
		return ".webm"
	case strings.Contains(ct, "audio/mpeg"):
		return ".mp3"
	default:
		return ".mp4"
	}
}

// mediaOptions maps a catalog quality id onto extractor options.
func mediaOptions(quality, title string) *transfer.MediaOptions {
	opts := &transfer.MediaOptions{Quality: quality, Title: title}

	switch q := strings.TrimSuffix(strings.ToLower(quality), "p"); {
	case q == "audio":
		opts.AudioOnly = true
	case q == "" || q == "best":
	default:
		if h, err := strconv.Atoi(q); err == nil && h > 0 {
			opts.Format = fmt.Sprintf("bv*[height<=%[1]d]+ba/b[height<=%[1]d]", h)
		}
	}

	return opts
}
