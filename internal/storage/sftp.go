package storage

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPParams are the connection settings carried in a device's parameters.
type SFTPParams struct {
	Host     string
	Port     int
	Username string
	Password string
	RootPath string
}

// SFTP uploads over a per-operation SSH session.
type SFTP struct {
	ssh    *ssh.Client
	client *sftp.Client
	root   string
}

func NewSFTP(ctx context.Context, p SFTPParams) (*SFTP, error) {
	if p.Port == 0 {
		p.Port = 22
	}
	cfg := &ssh.ClientConfig{
		User:            p.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(p.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	conn, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", p.Host, p.Port), cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", p.Host, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sftp session: %w", err)
	}
	return &SFTP{ssh: conn, client: client, root: p.RootPath}, nil
}

func (s *SFTP) Put(ctx context.Context, p string, data []byte) error {
	full := path.Join(s.root, p)
	f, err := s.client.Create(full)
	if err != nil {
		return fmt.Errorf("sftp create %s: %w", full, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("sftp write %s: %w", full, err)
	}
	return f.Close()
}

func (s *SFTP) MkdirAll(ctx context.Context, p string) error {
	return s.client.MkdirAll(path.Join(s.root, p))
}

func (s *SFTP) Close() error {
	cerr := s.client.Close()
	if err := s.ssh.Close(); err != nil {
		return err
	}
	return cerr
}
