package logstore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"
)

const tailBlock = 64 * 1024

// Tail returns the last n lines of path, reading backwards so large files
// are not loaded whole. A missing file yields ErrNoLogData.
func Tail(path string, n int) ([]string, error) {
	f, err := openLog(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	if n <= 0 {
		return nil, nil
	}
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var buf []byte
	for off := st.Size(); off > 0; {
		sz := int64(tailBlock)
		if sz > off {
			sz = off
		}
		off -= sz
		chunk := make([]byte, sz)
		if _, err := f.ReadAt(chunk, off); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		buf = append(chunk, buf...)
		// n+1 separators guarantee the oldest kept line is complete.
		if bytes.Count(buf, []byte{'\n'}) > n {
			break
		}
	}
	return lastLines(buf, n), nil
}

func lastLines(buf []byte, n int) []string {
	text := strings.TrimSuffix(string(buf), "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// FollowOptions tunes Follow.
type FollowOptions struct {
	// FromStart replays the existing content before following.
	FromStart bool
	// Poll is the wait between checks for new data (default 250ms).
	Poll time.Duration
}

// Follow calls emit for every complete line appended to path until ctx is
// cancelled, which is a normal return (nil). It waits for the file to appear
// when it does not exist yet and then reads it from the beginning.
// Follow stays on the path it was given; callers wanting the next day's
// file start a new Follow.
func Follow(ctx context.Context, path string, opts FollowOptions, emit func(line string)) error {
	poll := opts.Poll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	wait := func() bool {
		t := time.NewTimer(poll)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	var f *os.File
	fromStart := opts.FromStart
	for f == nil {
		// #nosec G304 -- path derived from configured log dir and project name
		fh, err := os.Open(path)
		switch {
		case err == nil:
			f = fh
		case os.IsNotExist(err):
			// Everything in a file created after we started waiting is new.
			fromStart = true
			if !wait() {
				return nil
			}
		default:
			return err
		}
	}
	defer func() { _ = f.Close() }()

	var offset int64
	if !fromStart {
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return err
		}
		offset = end
	}

	r := bufio.NewReader(f)
	var partial strings.Builder
	for {
		chunk, err := r.ReadString('\n')
		offset += int64(len(chunk))
		if strings.HasSuffix(chunk, "\n") {
			partial.WriteString(chunk)
			emit(strings.TrimRight(partial.String(), "\r\n"))
			partial.Reset()
			continue
		}
		partial.WriteString(chunk)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if ctx.Err() != nil || !wait() {
			return nil
		}
		// The writer only appends; a shrink means someone truncated the file.
		if st, err := f.Stat(); err == nil && st.Size() < offset {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return err
			}
			offset = 0
			partial.Reset()
		}
		r.Reset(f)
	}
}
