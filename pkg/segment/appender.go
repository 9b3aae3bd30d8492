package segment

import (
	"bufio"
	"fmt"
	"os"

	"nulldb/pkg/dberrors"
)

// Appender is the only writer of the main segment file.
type Appender struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	size   int64
	lines  int
	sync   bool
}

// OpenAppender opens path for appending. When sync is set every append is
// fsynced before it returns.
func OpenAppender(path string, sync bool) (*Appender, error) {
	lines, err := CountLines(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, dberrors.IO("open main segment", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, dberrors.IO("stat main segment", err)
	}

	return &Appender{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
		size:   st.Size(),
		lines:  lines,
		sync:   sync,
	}, nil
}

func (a *Appender) Path() string { return a.path }

// Lines is the number of lines written to the file so far.
func (a *Appender) Lines() int { return a.lines }

// Append writes line plus a trailing newline and returns its line number. On
// failure the file is truncated back to its previous size so that no torn
// line is left behind.
func (a *Appender) Append(line []byte) (int, error) {
	if err := a.write(line); err != nil {
		a.writer.Reset(a.file)
		if terr := a.file.Truncate(a.size); terr != nil {
			return 0, dberrors.IO("append", fmt.Errorf("%w (truncate: %v)", err, terr))
		}
		return 0, dberrors.IO("append", err)
	}

	n := a.lines
	a.lines++
	a.size += int64(len(line)) + 1
	return n, nil
}

func (a *Appender) write(line []byte) error {
	if _, err := a.writer.Write(line); err != nil {
		return err
	}
	if err := a.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := a.writer.Flush(); err != nil {
		return err
	}
	if a.sync {
		return a.file.Sync()
	}
	return nil
}

// Sync commits the file to stable storage.
func (a *Appender) Sync() error {
	if err := a.writer.Flush(); err != nil {
		return dberrors.IO("flush segment", err)
	}
	if err := a.file.Sync(); err != nil {
		return dberrors.IO("sync segment", err)
	}
	return nil
}

func (a *Appender) Close() error {
	if err := a.writer.Flush(); err != nil {
		_ = a.file.Close()
		return dberrors.IO("flush main segment", err)
	}
	if err := a.file.Close(); err != nil {
		return dberrors.IO("close main segment", err)
	}
	return nil
}
