// Package remote fetches csv files from sftp:// sources into a local cache directory.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pkgz/fileutils"
	"github.com/pkg/sftp"
)

// Scheme is the url scheme of remote sources
const Scheme = "sftp"

// ErrInvalidSource is returned for sources which are not sftp://[user@]host[:port]/path urls
var ErrInvalidSource = errors.New("invalid remote source")

// Source is a parsed sftp url
type Source struct {
	User string // empty for the default user
	Host string // host[:port]
	Path string
}

// IsRemote reports whether s is an sftp url
func IsRemote(s string) bool { return strings.HasPrefix(s, Scheme+"://") }

// ParseSource parses sftp://[user@]host[:port]/path
func ParseSource(s string) (Source, error) {
	if !IsRemote(s) {
		return Source{}, fmt.Errorf("%w %q, %s:// expected", ErrInvalidSource, s, Scheme)
	}
	u, err := url.Parse(s)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %w", ErrInvalidSource, err)
	}
	if u.Host == "" || u.Hostname() == "" {
		return Source{}, fmt.Errorf("%w %q, no host", ErrInvalidSource, s)
	}
	if u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return Source{}, fmt.Errorf("%w %q, no file", ErrInvalidSource, s)
	}
	if _, hasPass := u.User.Password(); hasPass {
		return Source{}, fmt.Errorf("%w %q, passwords are not supported", ErrInvalidSource, s)
	}
	return Source{User: u.User.Username(), Host: u.Host, Path: u.Path}, nil
}

// String returns the source as url, user included
func (s Source) String() string {
	u := url.URL{Scheme: Scheme, Host: s.Host, Path: s.Path}
	if s.User != "" {
		u.User = url.User(s.User)
	}
	return u.String()
}

// Fetcher downloads remote sources into CacheDir, keeping the remote layout under a directory per host
type Fetcher struct {
	Connector *Connector
	User      string // used if the source has no user
	CacheDir  string
}

// Fetch downloads the source if the cached copy is missing or out of date and returns the local path
func (f *Fetcher) Fetch(ctx context.Context, src string) (string, error) {
	s, err := ParseSource(src)
	if err != nil {
		return "", err
	}
	user := s.User
	if user == "" {
		user = f.User
	}
	if user == "" {
		return "", fmt.Errorf("no user for %s", s)
	}
	local := f.CachePath(s)
	if err = os.MkdirAll(filepath.Dir(local), 0o700); err != nil {
		return "", fmt.Errorf("can't make cache directory: %w", err)
	}

	client, err := f.Connector.Dial(ctx, s.Host, user)
	if err != nil {
		return "", err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("can't make sftp client for %s: %w", s.Host, err)
	}
	defer sftpClient.Close()

	if err := download(ctx, sftpClient, s.Path, local); err != nil {
		return "", fmt.Errorf("can't fetch %s: %w", s, err)
	}
	return local, nil
}

// CachePath returns the local path of the source in the cache directory
func (f *Fetcher) CachePath(s Source) string {
	host := strings.NewReplacer(":", "_", "/", "_").Replace(s.Host)
	return filepath.Join(f.CacheDir, host, filepath.FromSlash(strings.TrimPrefix(s.Path, "/")))
}

func download(ctx context.Context, client *sftp.Client, remoteFile, localFile string) error {
	st := time.Now()
	remoteFh, err := client.Open(remoteFile)
	if err != nil {
		return fmt.Errorf("can't open remote file: %w", err)
	}
	defer remoteFh.Close() //nolint

	remoteFi, err := remoteFh.Stat()
	if err != nil {
		return fmt.Errorf("can't stat remote file: %w", err)
	}
	if localFi, err := os.Stat(localFile); err == nil && localFi.Size() == remoteFi.Size() &&
		isWithinOneSecond(localFi.ModTime(), remoteFi.ModTime()) {
		log.Printf("[DEBUG] cached %s is up to date", localFile)
		return nil
	}

	tmpFile, err := fileutils.TempFileName(filepath.Dir(localFile), filepath.Base(localFile)+".tmp")
	if err != nil {
		return fmt.Errorf("can't make temp file name: %w", err)
	}
	tmpFh, err := os.OpenFile(tmpFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec // cache path
	if err != nil {
		return fmt.Errorf("can't create local file: %w", err)
	}
	defer os.Remove(tmpFile) //nolint // no-op after rename

	errCh := make(chan error, 1)
	go func() {
		_, e := io.Copy(tmpFh, remoteFh)
		errCh <- e
	}()

	select {
	case <-ctx.Done():
		_ = client.Close() // aborts the copy
		<-errCh
		_ = tmpFh.Close()
		return ctx.Err()
	case err = <-errCh:
	}
	if err != nil {
		_ = tmpFh.Close()
		return fmt.Errorf("can't copy file: %w", err)
	}
	if err = tmpFh.Close(); err != nil {
		return fmt.Errorf("can't close local file: %w", err)
	}
	if err = os.Chtimes(tmpFile, remoteFi.ModTime(), remoteFi.ModTime()); err != nil {
		return fmt.Errorf("can't set modification time: %w", err)
	}
	if err = os.Rename(tmpFile, localFile); err != nil {
		return fmt.Errorf("can't move downloaded file: %w", err)
	}
	log.Printf("[INFO] fetched %s, %d bytes in %s", localFile, remoteFi.Size(), time.Since(st).Truncate(time.Millisecond))
	return nil
}

func isWithinOneSecond(t1, t2 time.Time) bool {
	diff := t1.Sub(t2)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Second
}
