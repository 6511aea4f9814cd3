package codec

import (
	"io"
	"os"
)

// CopyFile stores the full-copy artifact: bytes are copied verbatim with a
// buffered stream, bounding memory regardless of file size. Used both for
// Add and for storage=full Modify operations.
func CopyFile(bufferSize int, dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		return err
	}
	return out.Sync()
}

// DefaultBufferSize mirrors config.DefaultBufferSize so that codec does not
// depend on internal/config.
const DefaultBufferSize = 65536
