package cluster

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"syscall"
)

// FileAttrs carries the permissions and ownership applied after an
// SFTP transfer. Defaults come from the source file.
type FileAttrs struct {
	Mode fs.FileMode
	UID  int
	GID  int
	Size int64
}

// statAttrs collects FileAttrs from the local source file.
func statAttrs(path string) (FileAttrs, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileAttrs{}, err
	}
	attrs := FileAttrs{Mode: info.Mode().Perm(), Size: info.Size(), UID: -1, GID: -1}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		attrs.UID = int(st.Uid)
		attrs.GID = int(st.Gid)
	}
	return attrs, nil
}

// sftpPut copies one local file to the host, restores its permission
// bits, and attempts a best-effort chown (ownership errors are
// ignored; permission errors are not).
func sftpPut(c *Connection, src, dst string, attrs FileAttrs) (CommandResult, error) {
	command := fmt.Sprintf("SFTP %s -> %s", src, dst)
	client, err := c.SFTP()
	if err != nil {
		return CommandResult{}, err
	}
	local, err := os.Open(src)
	if err != nil {
		return CommandResult{}, err
	}
	defer local.Close()

	remote, err := client.Create(dst)
	if err != nil {
		return CommandResult{}, fmt.Errorf("create %s: %w", dst, err)
	}
	n, err := io.Copy(remote, local)
	if cerr := remote.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return CommandResult{}, fmt.Errorf("transfer %s: %w", dst, err)
	}
	if err := client.Chmod(dst, attrs.Mode); err != nil {
		return CommandResult{}, fmt.Errorf("chmod %s: %w", dst, err)
	}
	if attrs.UID >= 0 {
		// Non-root logins usually cannot chown; that is not a transfer
		// failure.
		client.Chown(dst, attrs.UID, attrs.GID)
	}
	return CommandResult{
		Command:    command,
		ReturnCode: intPtr(0),
		Status:     StatusComplete,
		Stdout:     []byte(fmt.Sprintf("Transferred %d bytes", n)),
	}, nil
}
