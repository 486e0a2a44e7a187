package backend

import (
	"fmt"
	"strings"

	"github.com/italolelis/transferd/internal/transfer"
)

// reasonExpired marks a source URL the server no longer honours.
const reasonExpired = "source URL expired"

var networkPhrases = []string{
	"connection reset",
	"connection refused",
	"no such host",
	"i/o timeout",
	"timed out",
	"network is unreachable",
	"temporary failure in name resolution",
	"could not resolve host",
}

func looksLikeNetwork(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, p := range networkPhrases {
		if strings.Contains(s, p) {
			return true
		}
	}

	return false
}

func looksExpired(stderr string) bool {
	s := strings.ToLower(stderr)

	return strings.Contains(s, "403") || strings.Contains(s, "410") ||
		strings.Contains(s, "forbidden") || strings.Contains(s, "gone")
}

func resourceFromStderr(stderr string) (string, bool) {
	s := strings.ToLower(stderr)

	switch {
	case strings.Contains(s, "no space left"):
		return "Disk full", true
	case strings.Contains(s, "permission denied"):
		return "Permission denied", true
	}

	return "", false
}

// signalError reports a process that was killed by a signal nobody asked for.
func signalError(program string, status ExitStatus) error {
	return &transfer.ProcessError{Program: program, ExitCode: -1, Signal: status.Signal}
}

// aria2Error maps an aria2c exit code to the error taxonomy. Zero yields nil.
func aria2Error(code int, stderr, url string) error {
	if code == 0 {
		return nil
	}

	switch code {
	case 2, 5, 6, 7, 19, 29:
		return &transfer.TransientNetworkError{Operation: "fetch", Reason: aria2Reasons[code]}
	case 9:
		return &transfer.ResourceError{Reason: "Disk full"}
	case 13, 14, 15, 16, 17, 18:
		return &transfer.ResourceError{Reason: aria2Reasons[code]}
	case 22:
		if looksExpired(stderr) {
			return &transfer.TransientNetworkError{Operation: "fetch", Reason: reasonExpired}
		}

		return &transfer.ProtocolError{URL: url, Reason: aria2Reasons[code]}
	case 3, 4, 8, 10, 11, 12, 20, 21, 23, 24, 25, 26, 27, 28, 30, 31, 32:
		return &transfer.ProtocolError{URL: url, Reason: aria2Reasons[code]}
	}

	if reason, ok := resourceFromStderr(stderr); ok {
		return &transfer.ResourceError{Reason: reason}
	}

	if looksLikeNetwork(stderr) {
		return &transfer.TransientNetworkError{Operation: "fetch", Reason: "connection failed"}
	}

	return &transfer.ProcessError{Program: string(BinaryAria2), ExitCode: code}
}

var aria2Reasons = map[int]string{
	2:  "timeout",
	3:  "resource not found",
	4:  "too many not found responses",
	5:  "download too slow",
	6:  "network problem",
	7:  "unfinished downloads",
	8:  "server does not support resume",
	9:  "not enough disk space",
	10: "piece length mismatch",
	11: "same file already being downloaded",
	12: "same info hash already being downloaded",
	13: "file already exists",
	14: "renaming file failed",
	15: "could not open existing file",
	16: "could not create file",
	17: "file I/O error",
	18: "could not create directory",
	19: "name resolution failed",
	20: "could not parse metalink",
	21: "FTP command failed",
	22: "bad HTTP response header",
	23: "too many redirects",
	24: "HTTP authorization failed",
	25: "could not parse bencoded file",
	26: "torrent file is corrupted",
	27: "bad magnet URI",
	28: "bad option",
	29: "remote server overloaded",
	30: "could not parse JSON-RPC request",
	31: "reserved",
	32: "checksum validation failed",
}

// ytdlpError maps a yt-dlp exit code, sniffing stderr for the generic code 1.
func ytdlpError(code int, stderr, url string) error {
	if code == 0 {
		return nil
	}

	s := strings.ToLower(stderr)

	switch code {
	case 2:
		return &transfer.ProtocolError{URL: url, Reason: "invalid extractor options"}
	case 100:
		return &transfer.ProcessError{Program: string(BinaryYtDlp), ExitCode: code, Err: fmt.Errorf("yt-dlp must restart after an update")}
	case 101:
		return &transfer.ProcessError{Program: string(BinaryYtDlp), ExitCode: code, Err: fmt.Errorf("download cancelled by limits")}
	}

	switch {
	case strings.Contains(s, "http error 403") || strings.Contains(s, "http error 410"):
		return &transfer.TransientNetworkError{Operation: "extract", Reason: reasonExpired}
	case strings.Contains(s, "requested format is not available"):
		return &transfer.ProtocolError{URL: url, Reason: "requested format is not available", Fallback: true}
	case strings.Contains(s, "unsupported url"):
		return &transfer.ProtocolError{URL: url, Reason: "unsupported URL"}
	case strings.Contains(s, "video unavailable"), strings.Contains(s, "private video"):
		return &transfer.ProtocolError{URL: url, Reason: "video unavailable"}
	case strings.Contains(s, "sign in"):
		return &transfer.ProtocolError{URL: url, Reason: "sign in required", Fallback: true}
	}

	if reason, ok := resourceFromStderr(stderr); ok {
		return &transfer.ResourceError{Reason: reason}
	}

	if looksLikeNetwork(stderr) {
		return &transfer.TransientNetworkError{Operation: "extract", Reason: "connection failed"}
	}

	return &transfer.ProcessError{Program: string(BinaryYtDlp), ExitCode: code}
}

// ffmpegError maps a failed merge or transcode.
func ffmpegError(code int, stderr string) error {
	if code == 0 {
		return nil
	}

	if reason, ok := resourceFromStderr(stderr); ok {
		return &transfer.ResourceError{Reason: reason}
	}

	if strings.Contains(strings.ToLower(stderr), "invalid data found") {
		return &transfer.ProtocolError{Reason: "stream data is invalid"}
	}

	return &transfer.ProcessError{Program: string(BinaryFFmpeg), ExitCode: code}
}

// classifyResult is the shared Adapter.Classify implementation.
func classifyResult(res Result) transfer.Class {
	if res.Complete {
		return transfer.ClassNone
	}

	return transfer.Classify(res.Err)
}
