package fetcher

import (
	"context"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

// FTPOptions configures the FTP fetcher.
type FTPOptions struct {
	Timeout  time.Duration
	MaxBytes int64
	// User and Password default to anonymous login. Some regulators still
	// publish report archives on anonymous FTP.
	User     string
	Password string
}

func (o FTPOptions) withDefaults() FTPOptions {
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.User == "" {
		o.User = "anonymous"
		o.Password = "anonymous@"
	}
	return o
}

// FTPFetcher downloads documents from ftp:// URLs.
type FTPFetcher struct {
	opts FTPOptions
}

// NewFTPFetcher creates an FTPFetcher with the given options.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	return &FTPFetcher{opts: opts.withDefaults()}
}

// parseFTPURL extracts host (with port) and path from an FTP URL.
func parseFTPURL(rawURL string) (host string, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	path = u.Path
	if path == "" {
		return "", "", eris.New("empty path in ftp url")
	}

	return host, path, nil
}

// Fetch connects, retrieves the file, and returns its bytes. Dial and
// transfer failures are transient; the broker redelivers.
func (f *FTPFetcher) Fetch(ctx context.Context, ftpURL string) ([]byte, error) {
	host, path, err := parseFTPURL(ftpURL)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("ftp: connecting", zap.String("host", host), zap.String("path", path))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ftp dial"), 0)
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(f.opts.User, f.opts.Password); err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ftp login"), 0)
	}

	resp, err := conn.Retr(path)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ftp retrieve"), 0)
	}
	defer resp.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp, f.opts.MaxBytes+1))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ftp read"), 0)
	}
	if int64(len(body)) > f.opts.MaxBytes {
		return nil, eris.Errorf("document exceeds %d byte limit: %s", f.opts.MaxBytes, ftpURL)
	}
	return body, nil
}
