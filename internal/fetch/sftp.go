package fetch

import (
	"context"
	"io"
	"path"
	"time"

	"codeberg.org/mutker/loxbridge/internal/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const sftpDialTimeout = 30 * time.Second

// SFTPTransfer implements Transfer over an SSH connection to the controller.
type SFTPTransfer struct {
	conn   *ssh.Client
	client *sftp.Client
	cwd    string
}

var _ Transfer = (*SFTPTransfer)(nil)

// DialSFTP connects and authenticates with the given password credentials.
func DialSFTP(addr, username, password string) (*SFTPTransfer, error) {
	errFactory := errors.New()

	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // controllers present self-signed host keys
		Timeout:         sftpDialTimeout,
	})
	if err != nil {
		return nil, errFactory.Wrap(ErrTransfer, err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, errFactory.Wrap(ErrTransfer, err)
	}

	return &SFTPTransfer{conn: conn, client: client, cwd: "/"}, nil
}

func (t *SFTPTransfer) ChangeDirectory(ctx context.Context, dir string) error {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(errors.ErrCanceled, err)
	}

	target := dir
	if !path.IsAbs(target) {
		target = path.Join(t.cwd, target)
	}

	info, err := t.client.Stat(target)
	if err != nil {
		return errFactory.Wrap(ErrTransfer, err)
	}
	if !info.IsDir() {
		return errFactory.WithMessage(ErrTransfer, "not a directory").WithData(target)
	}
	t.cwd = target

	return nil
}

func (t *SFTPTransfer) ListEntries(ctx context.Context) ([]string, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return nil, errFactory.Wrap(errors.ErrCanceled, err)
	}

	infos, err := t.client.ReadDir(t.cwd)
	if err != nil {
		return nil, errFactory.Wrap(ErrTransfer, err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		names = append(names, info.Name())
	}

	return names, nil
}

func (t *SFTPTransfer) DownloadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return nil, errFactory.Wrap(errors.ErrCanceled, err)
	}

	file, err := t.client.Open(p)
	if err != nil {
		return nil, errFactory.Wrap(ErrTransfer, err)
	}

	return file, nil
}

func (t *SFTPTransfer) Close() error {
	errFactory := errors.New()

	var firstErr error
	if t.client != nil {
		firstErr = t.client.Close()
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errFactory.Wrap(ErrTransfer, firstErr)
	}

	return nil
}
