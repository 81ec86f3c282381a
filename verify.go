package tape

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/tape/device"
)

// VerifyResult describes a re-read archive.
type VerifyResult struct {
	Digest digest.Digest
	Blocks int64
	Bytes  int64
}

// Verify rewinds to tape file n, hashes every block up to the next
// filemark or end of data, and compares the result with want. The hash
// algorithm is taken from want.
//
// A mismatch returns the computed result together with an error wrapping
// ErrDigestMismatch.
func Verify(ctx context.Context, dev device.Device, file int64, want digest.Digest) (*VerifyResult, error) {
	alg := HashAlgorithm(want.Algorithm())
	h, err := alg.New()
	if err != nil {
		return nil, err
	}
	if err := dev.SetFilemarkPosition(file); err != nil {
		return nil, fmt.Errorf("position at file %d: %w", file, err)
	}

	res := &VerifyResult{}
	block := make([]byte, dev.BlockSize())
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		filemark, err := dev.Read(block)
		if errors.Is(err, device.ErrEndOfData) || (err == nil && filemark) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read block %d: %w", res.Blocks, err)
		}
		h.Write(block)
		res.Blocks++
		res.Bytes += int64(len(block))
	}

	res.Digest = alg.Digest(h)
	if res.Digest != want {
		return res, fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, res.Digest, want)
	}
	return res, nil
}
