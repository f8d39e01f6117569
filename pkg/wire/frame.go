package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Frames are "<decimal byte length>\n<payload>", both directions. The
// length counts the UTF-8 bytes of the XML payload.

// ReadFrame reads one length-prefixed frame. A frame larger than max is an
// error; the caller is expected to drop the connection.
func ReadFrame(r *bufio.Reader, max int) ([]byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}

	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return nil, fmt.Errorf("bad frame length %q: %w", strings.TrimSpace(line), err)
	}
	if n < 0 || n > max {
		return nil, fmt.Errorf("frame length %d out of range (max %d)", n, max)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("short frame: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := io.WriteString(w, strconv.Itoa(len(payload))+"\n"); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
