package codec

import (
	"bufio"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/xerrors"
)

// ZstdDiff encodes target as a zstd stream using base as the encoder
// dictionary, grounded on original_source/src/zstdiff.rs's ZstdDiff::diff.
func ZstdDiff(base, target []byte, level int) ([]byte, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderDict(base),
		zstd.WithEncoderLevel(zstdEncoderLevel(level)))
	if err != nil {
		return nil, xerrors.Errorf("codec: creating zstd dictionary encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(target, nil), nil
}

// ZstdApply reverses ZstdDiff: base is supplied as the decoder dictionary
// and artifact is decoded to recover the target bytes.
func ZstdApply(base, artifact []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderDicts(base))
	if err != nil {
		return nil, xerrors.Errorf("codec: creating zstd dictionary decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(artifact, nil)
	if err != nil {
		return nil, xerrors.Errorf("codec: decoding zstd dictionary stream: %w", err)
	}
	return out, nil
}

// zstdEncoderLevel maps the 0-22 zstd compression level (per spec.md §4.1's
// preset table) onto klauspost/compress/zstd's coarser EncoderLevel scale.
func zstdEncoderLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 3:
		return zstd.SpeedFastest
	case level <= 9:
		return zstd.SpeedDefault
	case level <= 19:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// ZstdFileDiff streams old/new file contents through ZstdDiff, loading the
// base file whole as the dictionary (dictionary size is the base file's
// size, per spec.md §4.1) and streaming the target file instead of loading
// it fully where possible.
func ZstdFileDiff(bufferSize int, baseFile, targetFile, patchFile string, level int) error {
	base, err := os.ReadFile(baseFile)
	if err != nil {
		return xerrors.Errorf("codec: reading base file as zstd dictionary: %w", err)
	}

	out, err := os.Create(patchFile)
	if err != nil {
		return err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out,
		zstd.WithEncoderDict(base),
		zstd.WithEncoderLevel(zstdEncoderLevel(level)))
	if err != nil {
		return xerrors.Errorf("codec: creating zstd dictionary encoder: %w", err)
	}

	in, err := os.Open(targetFile)
	if err != nil {
		enc.Close()
		return err
	}
	defer in.Close()

	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if _, err := io.CopyBuffer(enc, bufio.NewReaderSize(in, bufferSize), make([]byte, bufferSize)); err != nil {
		enc.Close()
		return xerrors.Errorf("codec: streaming zstd dictionary diff: %w", err)
	}
	return enc.Close()
}

// ZstdFileApply reverses ZstdFileDiff: baseFile is loaded whole as the
// decoder dictionary, patchFile is streamed through the decoder, and the
// reconstructed target is written to newFile.
func ZstdFileApply(bufferSize int, baseFile, patchFile, newFile string) error {
	base, err := os.ReadFile(baseFile)
	if err != nil {
		return xerrors.Errorf("codec: reading base file as zstd dictionary: %w", err)
	}

	in, err := os.Open(patchFile)
	if err != nil {
		return err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in, zstd.WithDecoderDicts(base))
	if err != nil {
		return xerrors.Errorf("codec: creating zstd dictionary decoder: %w", err)
	}
	defer dec.Close()

	out, err := os.Create(newFile)
	if err != nil {
		return err
	}
	defer out.Close()

	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if _, err := io.CopyBuffer(out, dec, make([]byte, bufferSize)); err != nil {
		return xerrors.Errorf("codec: streaming zstd dictionary apply: %w", err)
	}
	return out.Sync()
}
