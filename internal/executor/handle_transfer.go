package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/breeze-rmm/opsagent/internal/command"
)

var errChecksumMismatch = errors.New("checksum mismatch")

// transferReport is the JSON output of upload and download commands.
type transferReport struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Bytes       int64  `json:"bytes"`
	SHA256      string `json:"sha256,omitempty"`
}

func isRemote(target string) bool {
	return strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}

// handleUpload sends a local file to a local destination or HTTP PUTs it to
// a URL.
func handleUpload(e *Executor, ctx context.Context, cmd *command.Command) Result {
	src := cmd.Payload
	if src == "" {
		src = cmd.ParamString("source", "")
	}
	dst := cmd.ParamString("destination", "")
	if src == "" || dst == "" {
		return failed(errors.New("upload requires a source path and a destination"), false)
	}
	src = filepath.Clean(src)

	info, err := os.Stat(src)
	if err != nil {
		return failed(fmt.Errorf("stat source: %w", err), false)
	}
	if info.IsDir() {
		return failed(fmt.Errorf("source %s is a directory", src), false)
	}
	if info.Size() > e.opts.MaxTransferBytes {
		return failed(fmt.Errorf("source is %d bytes, limit is %d", info.Size(), e.opts.MaxTransferBytes), false)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeoutFor(cmd))
	defer cancel()

	var (
		n   int64
		sum string
	)
	if isRemote(dst) {
		n, sum, err = e.putFile(ctx, src, dst, info.Size())
	} else {
		n, sum, err = copyLocal(ctx, src, dst, e.opts.MaxTransferBytes, "")
	}
	if err != nil {
		return failed(fmt.Errorf("upload %s: %w", src, err), true)
	}
	return transferResult(transferReport{Source: src, Destination: dst, Bytes: n, SHA256: sum})
}

// handleDownload fetches a URL, or copies a local file, to the destination.
func handleDownload(e *Executor, ctx context.Context, cmd *command.Command) Result {
	src := cmd.Payload
	if src == "" {
		src = cmd.ParamString("url", cmd.ParamString("source", ""))
	}
	dst := cmd.ParamString("destination", "")
	if src == "" || dst == "" {
		return failed(errors.New("download requires a source and a destination path"), false)
	}
	if isRemote(dst) {
		return failed(errors.New("download destination must be a local path"), false)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeoutFor(cmd))
	defer cancel()

	var (
		n   int64
		sum string
		err error
	)
	want := cmd.ParamString("sha256", "")
	if isRemote(src) {
		n, sum, err = e.getFile(ctx, src, dst, want)
	} else {
		n, sum, err = copyLocal(ctx, filepath.Clean(src), dst, e.opts.MaxTransferBytes, want)
	}
	if errors.Is(err, errChecksumMismatch) {
		return failed(err, false)
	}
	if err != nil {
		return failed(fmt.Errorf("download %s: %w", src, err), true)
	}
	return transferResult(transferReport{Source: src, Destination: dst, Bytes: n, SHA256: sum})
}

func transferResult(r transferReport) Result {
	out, _ := json.Marshal(r)
	return completed(string(out))
}

func (e *Executor) putFile(ctx context.Context, src, url string, size int64) (int64, string, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	body := io.TeeReader(f, h)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return 0, "", err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, "", fmt.Errorf("upload failed with status %d", resp.StatusCode)
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

func (e *Executor) getFile(ctx context.Context, url, dst, wantSum string) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	if resp.ContentLength > e.opts.MaxTransferBytes {
		return 0, "", fmt.Errorf("content length %d exceeds limit %d", resp.ContentLength, e.opts.MaxTransferBytes)
	}
	return writeAtomic(dst, resp.Body, e.opts.MaxTransferBytes, wantSum)
}

func copyLocal(ctx context.Context, src, dst string, limit int64, wantSum string) (int64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	f, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	return writeAtomic(dst, f, limit, wantSum)
}

// writeAtomic streams r into a temp file beside dst and renames it into
// place. Exceeding limit, or a digest that does not match a non-empty
// wantSum, is an error and leaves dst untouched.
func writeAtomic(dst string, r io.Reader, limit int64, wantSum string) (int64, string, error) {
	dst = filepath.Clean(dst)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", err
	}
	tmp, err := os.CreateTemp(dir, ".opsagent-transfer-*")
	if err != nil {
		return 0, "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(r, limit+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, "", err
	}
	if n > limit {
		return 0, "", fmt.Errorf("transfer exceeds limit of %d bytes", limit)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if wantSum != "" && !strings.EqualFold(wantSum, sum) {
		return 0, "", fmt.Errorf("%w: expected %s, got %s", errChecksumMismatch, wantSum, sum)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, "", err
	}
	return n, sum, nil
}
