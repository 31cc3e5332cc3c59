// Package checksum provides a cache.Decorator that digests every stream it
// sees. Writes produce sidecar files (<name>.md5, <name>.sha1, ...) next to
// the stored resource in the same commit section as the content; reads verify
// the content against existing sidecars and fail at EOF when they disagree.
//
// A reader opens the content and loads the sidecars under a per-resource read
// guard, and a writer commits content plus sidecars under the matching write
// guard, so a reader never pairs one generation's bytes with another's sums.
package checksum

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/any-hub/galley/internal/cache"
)

// ErrMismatch 表示读取内容与旁路校验文件不一致。
var ErrMismatch = errors.New("checksum mismatch")

// Algorithm 是一种摘要算法及其旁路文件扩展名。
type Algorithm struct {
	Ext string
	New func() hash.Hash
}

var (
	MD5    = Algorithm{Ext: "md5", New: md5.New}
	SHA1   = Algorithm{Ext: "sha1", New: sha1.New}
	SHA256 = Algorithm{Ext: "sha256", New: sha256.New}
)

// Parse 根据名称返回算法。
func Parse(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "md5":
		return MD5, nil
	case "sha1", "sha-1":
		return SHA1, nil
	case "sha256", "sha-256":
		return SHA256, nil
	default:
		return Algorithm{}, fmt.Errorf("unsupported checksum algorithm %q", name)
	}
}

// Decorator 为写入生成旁路文件并在读取时校验。
type Decorator struct {
	algorithms []Algorithm
	logger     *logrus.Logger
	commits    *cache.PathLocks
}

var (
	_ cache.Decorator = (*Decorator)(nil)
	_ cache.ReadGuard = (*Decorator)(nil)
)

// New 使用给定算法创建装饰器，未指定时使用 md5 与 sha1。
func New(logger *logrus.Logger, algorithms ...Algorithm) *Decorator {
	if len(algorithms) == 0 {
		algorithms = []Algorithm{MD5, SHA1}
	}
	return &Decorator{algorithms: algorithms, logger: logger, commits: cache.NewPathLocks()}
}

// GuardRead 在提交区间之外打开内容与读取旁路文件；校验文件本身不需要保护。
func (d *Decorator) GuardRead(ctx context.Context, t *cache.Transfer) (func(), error) {
	if d.IsSidecar(t.Path()) {
		return func() {}, nil
	}
	key := t.Resource().Key()
	if err := d.commits.LockRead(ctx, key); err != nil {
		return nil, err
	}
	return func() { d.commits.UnlockRead(key) }, nil
}

// IsSidecar 判断路径是否为校验文件本身。
func (d *Decorator) IsSidecar(path string) bool {
	for _, alg := range d.algorithms {
		if strings.HasSuffix(path, "."+alg.Ext) {
			return true
		}
	}
	return false
}

func (d *Decorator) hashes() []hash.Hash {
	out := make([]hash.Hash, len(d.algorithms))
	for i, alg := range d.algorithms {
		out[i] = alg.New()
	}
	return out
}

func sidecar(t *cache.Transfer, alg Algorithm) *cache.Transfer {
	return t.Sibling(baseName(t.Path()) + "." + alg.Ext)
}

func baseName(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func (d *Decorator) DecorateWrite(t *cache.Transfer, _ cache.Operation, w cache.Writer) (cache.Writer, error) {
	if d.IsSidecar(t.Path()) {
		return w, nil
	}
	hs := d.hashes()
	writers := make([]io.Writer, len(hs))
	for i, h := range hs {
		writers[i] = h
	}
	return &digestWriter{Writer: w, d: d, t: t, hashes: hs, sink: io.MultiWriter(writers...)}, nil
}

func (d *Decorator) DecorateRead(t *cache.Transfer, r io.ReadCloser) (io.ReadCloser, error) {
	if d.IsSidecar(t.Path()) {
		return r, nil
	}
	expected := make(map[int][]byte)
	for i, alg := range d.algorithms {
		sum, ok := readSidecar(t, alg)
		if ok {
			expected[i] = sum
		}
	}
	if len(expected) == 0 {
		return r, nil
	}
	return &verifyingReader{ReadCloser: r, t: t, d: d, hashes: d.hashes(), expected: expected}, nil
}

// readSidecar 读取旁路文件中的首个十六进制字段。
func readSidecar(t *cache.Transfer, alg Algorithm) ([]byte, bool) {
	sc := sidecar(t, alg)
	if !sc.IsFile() {
		return nil, false
	}
	rc, err := sc.OpenInputStream(context.Background(), false)
	if err != nil {
		return nil, false
	}
	defer rc.Close()
	raw, err := io.ReadAll(io.LimitReader(rc, 1024))
	if err != nil {
		return nil, false
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return nil, false
	}
	sum, err := hex.DecodeString(fields[0])
	if err != nil {
		return nil, false
	}
	return sum, true
}

type digestWriter struct {
	cache.Writer
	d      *Decorator
	t      *cache.Transfer
	hashes []hash.Hash
	sink   io.Writer
}

func (w *digestWriter) Write(b []byte) (int, error) {
	n, err := w.Writer.Write(b)
	if n > 0 {
		w.sink.Write(b[:n])
	}
	return n, err
}

// Close 在提交区间内依次提交内容与旁路文件。内容提交失败时旁路文件保持不变；
// 旁路文件写入失败时删除该旧文件，避免它与新内容不一致。
func (w *digestWriter) Close() error {
	key := w.t.Resource().Key()
	if err := w.d.commits.LockWrite(context.Background(), key); err != nil {
		return err
	}
	defer w.d.commits.UnlockWrite(key)

	if err := w.Writer.Close(); err != nil {
		return err
	}
	for i, alg := range w.d.algorithms {
		sc := sidecar(w.t, alg)
		sum := hex.EncodeToString(w.hashes[i].Sum(nil))
		err := writeSidecar(sc, sum)
		if err == nil {
			continue
		}
		if _, delErr := sc.Delete(context.Background(), false); delErr != nil {
			err = multierr.Append(err, delErr)
		}
		w.d.log(w.t, alg).WithError(err).Warn("checksum_sidecar_failed")
	}
	return nil
}

func (d *Decorator) log(t *cache.Transfer, alg Algorithm) *logrus.Entry {
	logger := d.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{
		"resource":  t.String(),
		"algorithm": alg.Ext,
	})
}

func writeSidecar(t *cache.Transfer, sum string) error {
	out, err := t.OpenOutputStream(context.Background(), cache.OpGenerate, false)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(out, sum); err != nil {
		out.Abort()
		return err
	}
	return out.Close()
}

type verifyingReader struct {
	io.ReadCloser
	t        *cache.Transfer
	d        *Decorator
	hashes   []hash.Hash
	expected map[int][]byte
	checked  bool
}

func (r *verifyingReader) Read(b []byte) (int, error) {
	n, err := r.ReadCloser.Read(b)
	if n > 0 {
		for _, h := range r.hashes {
			h.Write(b[:n])
		}
	}
	if err == io.EOF && !r.checked {
		r.checked = true
		if verr := r.verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (r *verifyingReader) verify() error {
	for i, want := range r.expected {
		got := r.hashes[i].Sum(nil)
		if !bytes.Equal(got, want) {
			alg := r.d.algorithms[i]
			return fmt.Errorf("%w: %s %s expected %x, got %x", ErrMismatch, r.t, alg.Ext, want, got)
		}
	}
	return nil
}
