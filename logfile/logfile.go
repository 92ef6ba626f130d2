// Package logfile manages the output files of a continuous job, clearing
// them between runs and giving operators a way to peek at them.
package logfile

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// ClearMode selects what happens to the previous log content.
type ClearMode string

const (
	// ClearRotate touches the live log into existence if needed, then
	// moves it out of the way to a backup path.
	ClearRotate ClearMode = "rotate"
	// ClearRemove deletes the live log outright.
	ClearRemove ClearMode = "remove"
)

// ClearOptions tune Clear.
type ClearOptions struct {
	Mode ClearMode
	// BackupSuffix is appended to the live path to name the rotate
	// backup. Empty means ".old".
	BackupSuffix string
	// Compress gzips the rotate backup, adding a further ".gz" suffix.
	Compress bool
}

const defaultBackupSuffix = ".old"

// Clear makes sure the live log at path carries no content from a previous
// run. With ClearRotate the previous content survives at the returned backup
// path, even when the live log never existed, so that the backup always
// reflects the state from before the call. With ClearRemove backup is empty.
// In both modes the live path is gone when Clear returns without an error.
func Clear(path string, opts ClearOptions) (backup string, err error) {
	switch opts.Mode {
	case ClearRemove:
		logrus.Tracef("remove %v", path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("cannot remove log %v: %v", path, err)
		}
		return "", nil
	case ClearRotate, "":
	default:
		return "", fmt.Errorf("cannot clear log with unknown mode %q", opts.Mode)
	}

	suffix := opts.BackupSuffix
	if suffix == "" {
		suffix = defaultBackupSuffix
	}
	// touch the live log first, a missing one rotates into an empty backup
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("cannot touch log %v: %v", path, err)
	}
	f.Close()

	backup = path + suffix
	if opts.Compress {
		backup += ".gz"
		logrus.Tracef("compress %v -> %v", path, backup)
		if err := compressFile(path, backup); err != nil {
			return "", err
		}
		if err := os.Remove(path); err != nil {
			return "", fmt.Errorf("cannot remove log %v after compressing: %v", path, err)
		}
		return backup, nil
	}
	logrus.Tracef("rename %v -> %v", path, backup)
	if err := os.Rename(path, backup); err != nil {
		return "", fmt.Errorf("cannot rotate log %v: %v", path, err)
	}
	return backup, nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("cannot open log %v: %v", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("cannot create backup %v: %v", dst, err)
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		out.Close()
		return fmt.Errorf("cannot compress log: %v", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return fmt.Errorf("cannot finish compressed backup: %v", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("cannot finish backup %v: %v", dst, err)
	}
	return nil
}

// tailWindow bounds how far back Tail looks in a plain file, logs of a
// continuous job grow without limit.
const tailWindow = 64 * 1024

// Tail returns up to n trailing lines of the log at path. Plain files are
// read from the end, at most tailWindow bytes. Compressed backups, anything
// ending in .gz, are streamed through in full.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	if strings.HasSuffix(path, ".gz") {
		return tailCompressed(path, n)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("cannot stat log: %v", err)
	}
	off := fi.Size() - tailWindow
	if off < 0 {
		off = 0
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return nil, fmt.Errorf("cannot seek in log: %v", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("cannot read log: %v", err)
	}
	return trailingLines(string(data), n, off > 0), nil
}

func tailCompressed(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("cannot read compressed log: %v", err)
	}
	defer gz.Close()

	var lines []string
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot scan compressed log: %v", err)
	}
	return lines, nil
}

func trailingLines(data string, n int, truncated bool) []string {
	data = strings.TrimRight(data, "\n")
	if data == "" {
		return nil
	}
	lines := strings.Split(data, "\n")
	if truncated && len(lines) > 0 {
		// the first line is likely cut short
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

var followInterval = time.Second

// Follow streams bytes appended to the log at path over the returned
// channel, polling for growth, until ctx is done. Following starts at the
// current end of the file, only new output is seen. The channel closes when
// following stops for any reason, truncation of the file included.
func Follow(ctx context.Context, path string) (<-chan []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cannot seek in log: %v", err)
	}
	chunks := make(chan []byte, 100)
	go func() {
		logrus.Tracef("following %v from offset %v", path, offset)
		// TODO: use inotify rather than poor man's poll
		defer f.Close()
		defer close(chunks)
		tick := time.NewTicker(followInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				logrus.Tracef("follow canceled")
				return
			case <-tick.C:
				fi, err := f.Stat()
				if err != nil {
					logrus.Tracef("cannot stat: %v", err)
					return
				}
				nowSize := fi.Size()
				if nowSize == offset {
					continue
				}
				if nowSize < offset {
					logrus.Tracef("log truncated")
					return
				}
				if err := sendBytes(ctx, f, chunks, nowSize-offset); err != nil {
					logrus.Tracef("cannot send: %v", err)
					return
				}
				offset = nowSize
			}
		}
	}()
	return chunks, nil
}

func sendBytes(ctx context.Context, f *os.File, chunks chan<- []byte, howMuch int64) error {
	logrus.Tracef("send %v bytes", howMuch)
	for sent := int64(0); sent < howMuch; {
		end := howMuch - sent
		if end > 4096 {
			end = 4096
		}
		buf := make([]byte, end)
		n, err := f.Read(buf)
		if err != nil {
			return fmt.Errorf("cannot read: %v", err)
		}
		select {
		case chunks <- buf[:n]:
		case <-ctx.Done():
			return ctx.Err()
		}
		sent += int64(n)
	}
	return nil
}

// ModifiedWithin reports whether the file at path was written to within d.
func ModifiedWithin(path string, d time.Duration) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return time.Since(fi.ModTime()) <= d, nil
}
