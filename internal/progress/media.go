package progress

import (
	"regexp"
	"strconv"
	"strings"
)

// MediaTemplate is the yt-dlp --progress-template producing the pipe
// separated line understood by MediaParser.
const MediaTemplate = "download:%(progress._percent_str)s|%(progress._speed_str)s|%(progress._eta_str)s|" +
	"%(progress.downloaded_bytes)s|%(progress.total_bytes)s"

var (
	// [download]  45.3% of ~ 10.00MiB at  1.23MiB/s ETA 00:05
	mediaHuman = regexp.MustCompile(`^\[download\]\s+(\d+(?:\.\d+)?)%\s+of\s+~?\s*(\S+)(?:\s+at\s+(\S+))?(?:\s+ETA\s+(\S+))?`)
	// [download] 100% of 10.00MiB in 00:05
	mediaDone     = regexp.MustCompile(`^\[download\]\s+100(?:\.0)?%\s+of\s+~?\s*(\S+)\s+in\s+`)
	mediaAlready  = regexp.MustCompile(`^\[download\]\s+.+ has already been downloaded`)
	mediaMerged   = regexp.MustCompile(`^\[Merger\]\s+Merging formats into`)
	mediaExpired  = regexp.MustCompile(`HTTP Error (403|410)|\b(403|410) (Forbidden|Gone)\b`)
	mediaHTTPFail = regexp.MustCompile(`(?i)^error:`)
)

// MediaParser parses yt-dlp output: the template line, the default human
// readable progress line and error lines.
type MediaParser struct{}

func (MediaParser) Parse(line string) Update {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "download:")

	if strings.Count(line, "|") == 4 {
		return parseMediaTemplate(line)
	}

	var u Update

	switch {
	case mediaHTTPFail.MatchString(line):
		u.Message = line
		u.Expired = mediaExpired.MatchString(line)

		return u
	case mediaAlready.MatchString(line):
		u.Complete = true
		u.Progress = ptr(1.0)

		return u
	case mediaMerged.MatchString(line):
		u.Complete = true
		u.Progress = ptr(1.0)
		u.Phase = "Merging"

		return u
	}

	if m := mediaDone.FindStringSubmatch(line); m != nil {
		u.Progress = ptr(1.0)
		if total, err := ParseSize(m[1]); err == nil && total > 0 {
			u.TotalBytes = ptr(total)
			u.DownloadedBytes = ptr(total)
		}

		return u
	}

	m := mediaHuman.FindStringSubmatch(line)
	if m == nil {
		return u
	}

	if p, ok := parsePercent(m[1]); ok {
		u.Progress = ptr(p)
	}

	if total, err := ParseSize(m[2]); err == nil && total > 0 {
		u.TotalBytes = ptr(total)

		if u.Progress != nil {
			u.DownloadedBytes = ptr(int64(*u.Progress * float64(total)))
		}
	}

	if m[3] != "" {
		if v, err := ParseRate(m[3]); err == nil {
			u.Speed = ptr(v)
		}
	}

	if m[4] != "" {
		if eta, ok := ParseETA(m[4]); ok {
			u.ETA = ptr(eta)
		}
	}

	return u
}

// pct|speed|eta|downloaded|total, where yt-dlp prints "NA" or "Unknown" for
// values it does not know yet.
func parseMediaTemplate(line string) Update {
	var u Update

	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	if p, ok := parsePercent(parts[0]); ok {
		u.Progress = ptr(p)
	}

	if v, err := ParseRate(parts[1]); err == nil {
		u.Speed = ptr(v)
	}

	if eta, ok := ParseETA(parts[2]); ok {
		u.ETA = ptr(eta)
	}

	if n, err := strconv.ParseInt(parts[3], 10, 64); err == nil && n >= 0 {
		u.DownloadedBytes = ptr(n)
	}

	if n, err := strconv.ParseInt(parts[4], 10, 64); err == nil && n > 0 {
		u.TotalBytes = ptr(n)
	}

	if u.Progress == nil && u.DownloadedBytes != nil && u.TotalBytes != nil {
		u.Progress = ptr(float64(*u.DownloadedBytes) / float64(*u.TotalBytes))
	}

	return u
}
