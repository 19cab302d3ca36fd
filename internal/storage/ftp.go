package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTPParams are the connection settings carried in a device's parameters.
type FTPParams struct {
	Host     string
	Port     int
	Username string
	Password string
	RootPath string
	TLS      bool
}

// FTP uploads over a single connection opened for one operation and closed
// with it; there is no pooling.
type FTP struct {
	conn *ftp.ServerConn
	root string
}

func NewFTP(ctx context.Context, p FTPParams) (*FTP, error) {
	if p.Port == 0 {
		p.Port = 21
	}
	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(10 * time.Second),
	}
	if p.TLS {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: p.Host}))
	}

	conn, err := ftp.Dial(fmt.Sprintf("%s:%d", p.Host, p.Port), opts...)
	if err != nil {
		return nil, fmt.Errorf("ftp dial %s: %w", p.Host, err)
	}
	if err := conn.Login(p.Username, p.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	return &FTP{conn: conn, root: p.RootPath}, nil
}

func (f *FTP) Put(ctx context.Context, p string, data []byte) error {
	full := path.Join(f.root, p)
	if err := f.conn.Stor(full, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("ftp stor %s: %w", full, err)
	}
	return nil
}

// MkdirAll creates each missing segment. MKD on an existing directory fails
// on most servers, so per-segment errors are ignored; a truly broken path
// surfaces on the upload.
func (f *FTP) MkdirAll(ctx context.Context, p string) error {
	cur := f.root
	for _, seg := range strings.Split(path.Clean(p), "/") {
		if seg == "" {
			continue
		}
		cur = path.Join(cur, seg)
		_ = f.conn.MakeDir(cur)
	}
	return nil
}

func (f *FTP) Close() error {
	return f.conn.Quit()
}
