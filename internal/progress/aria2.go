package progress

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// [#2089b0 4.0MiB/10MiB(40%) CN:16 DL:1.2MiB ETA:5s]
	aria2Readout  = regexp.MustCompile(`\[#[0-9a-fA-F]+\s+([^\]]*)\]`)
	aria2Amounts  = regexp.MustCompile(`^(\S+?)/(\S+?)(?:\((\d+(?:\.\d+)?)%\))?$`)
	aria2Upload   = regexp.MustCompile(`^UL:([^(]+)(?:\(.*\))?$`)
	aria2Seeding  = regexp.MustCompile(`^SEED\(`)
	aria2ErrCode  = regexp.MustCompile(`errorCode=(\d+)`)
	aria2Complete = regexp.MustCompile(`(?i)download complete:|\(OK\):download completed`)
)

// ChunkedParser parses aria2c console output for single HTTP resources.
type ChunkedParser struct{}

func (ChunkedParser) Parse(line string) Update {
	return parseAria2(line, false)
}

// TorrentParser parses aria2c console output for BitTorrent downloads. It
// additionally reports seeders, upload speed and the switch to seeding.
type TorrentParser struct{}

func (TorrentParser) Parse(line string) Update {
	return parseAria2(line, true)
}

func parseAria2(line string, torrent bool) Update {
	var u Update

	if aria2Complete.MatchString(line) {
		u.Complete = true

		return u
	}

	if m := aria2ErrCode.FindStringSubmatch(line); m != nil && m[1] != "0" {
		u.Message = strings.TrimSpace(line)

		return u
	}

	if strings.HasPrefix(line, "[ERROR]") || strings.HasPrefix(line, "Exception:") {
		u.Message = strings.TrimSpace(line)

		return u
	}

	m := aria2Readout.FindStringSubmatch(line)
	if m == nil {
		return u
	}

	for _, field := range strings.Fields(m[1]) {
		switch {
		case aria2Seeding.MatchString(field):
			if torrent {
				u.Complete = true
			}
		case strings.HasPrefix(field, "CN:"):
			if torrent {
				if n, err := strconv.Atoi(field[3:]); err == nil {
					u.Peers = ptr(n)
				}
			}
		case strings.HasPrefix(field, "SD:"):
			if torrent {
				if n, err := strconv.Atoi(field[3:]); err == nil {
					u.Seeds = ptr(n)
				}
			}
		case strings.HasPrefix(field, "DL:"):
			if v, err := ParseRate(field[3:]); err == nil {
				u.Speed = ptr(v)
			}
		case strings.HasPrefix(field, "UL:"):
			if !torrent {
				continue
			}

			if um := aria2Upload.FindStringSubmatch(field); um != nil {
				if v, err := ParseRate(um[1]); err == nil {
					u.UploadSpeed = ptr(v)
				}
			}
		case strings.HasPrefix(field, "ETA:"):
			if eta, ok := ParseETA(field[4:]); ok {
				u.ETA = ptr(eta)
			}
		default:
			parseAria2Amounts(field, &u)
		}
	}

	return u
}

func parseAria2Amounts(field string, u *Update) {
	am := aria2Amounts.FindStringSubmatch(field)
	if am == nil {
		return
	}

	done, err := ParseSize(am[1])
	if err != nil {
		return
	}

	u.DownloadedBytes = ptr(done)

	if total, err := ParseSize(am[2]); err == nil && total > 0 {
		u.TotalBytes = ptr(total)
		if am[3] == "" {
			u.Progress = ptr(float64(done) / float64(total))
		}
	}

	if am[3] != "" {
		if p, ok := parsePercent(am[3]); ok {
			u.Progress = ptr(p)
		}
	}
}

// Aria2ExitCode extracts the errorCode value printed by aria2c, if any.
func Aria2ExitCode(line string) (int, bool) {
	m := aria2ErrCode.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}

	n, err := strconv.Atoi(m[1])

	return n, err == nil
}
