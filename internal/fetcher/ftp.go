package fetcher

import (
	"context"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPOptions configures the FTP drop client. Some legacy partners deliver
// nightly export archives on an FTP drop rather than an API.
type FTPOptions struct {
	Host     string // host[:port]; port defaults to 21
	User     string
	Password string
	Timeout  time.Duration
}

// FTPDrop downloads bulk export archives from a partner FTP drop.
type FTPDrop struct {
	opts FTPOptions
}

// NewFTPDrop creates an FTP drop client.
func NewFTPDrop(opts FTPOptions) *FTPDrop {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.User == "" {
		opts.User = "anonymous"
		opts.Password = "anonymous@"
	}
	return &FTPDrop{opts: opts}
}

func (f *FTPDrop) dial(ctx context.Context) (*ftp.ServerConn, error) {
	host := f.opts.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "21")
	}

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrapf(err, "ftp: dial %s", host)
	}
	if err := conn.Login(f.opts.User, f.opts.Password); err != nil {
		conn.Quit()
		return nil, eris.Wrap(err, "ftp: login")
	}
	return conn, nil
}

// NewestSince lists a remote directory and returns the name of the newest
// regular file modified after the given time, or "" when nothing new exists.
func (f *FTPDrop) NewestSince(ctx context.Context, dir string, since time.Time) (string, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Quit()

	entries, err := conn.List(dir)
	if err != nil {
		return "", eris.Wrapf(err, "ftp: list %s", dir)
	}

	var files []*ftp.Entry
	for _, e := range entries {
		if e.Type == ftp.EntryTypeFile && e.Time.After(since) {
			files = append(files, e)
		}
	}
	if len(files) == 0 {
		return "", nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Time.After(files[j].Time) })

	zap.L().Debug("ftp: newest drop file",
		zap.String("dir", dir),
		zap.String("name", files[0].Name),
		zap.Time("modified", files[0].Time),
	)
	return files[0].Name, nil
}

// DownloadToFile retrieves a remote file into destDir, preserving its base
// name. Returns the local path.
func (f *FTPDrop) DownloadToFile(ctx context.Context, remotePath, destDir string) (string, error) {
	conn, err := f.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Quit()

	resp, err := conn.Retr(remotePath)
	if err != nil {
		return "", eris.Wrapf(err, "ftp: retrieve %s", remotePath)
	}
	defer resp.Close()

	local := path.Join(destDir, path.Base(remotePath))
	file, err := os.Create(local)
	if err != nil {
		return "", eris.Wrapf(err, "ftp: create %s", local)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp); err != nil {
		return "", eris.Wrapf(err, "ftp: write %s", local)
	}
	return local, nil
}
