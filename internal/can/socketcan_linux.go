//go:build linux

package can

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func init() {
	defaultTransportOpener = newSocketCANTransport
}

// canFrameSize is sizeof(struct can_frame) on Linux: 4-byte id, 1-byte
// length, 3 reserved/pad bytes, 8 bytes of data.
const canFrameSize = 16

const (
	canEFFFlag = 0x80000000 // extended frame format flag, bit 31 of can_id
	canEFFMask = 0x1FFFFFFF
	canSFFMask = 0x7FF
)

// socketCANTransport binds a raw AF_CAN socket to a named Linux SocketCAN
// interface (can0, vcan0, ...).
type socketCANTransport struct {
	fd int
}

var _ Transport = (*socketCANTransport)(nil)

func newSocketCANTransport(ifaceName string) (Transport, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("can: resolve interface %s: %w", ifaceName, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("can: open raw CAN socket for %s: %w", ifaceName, err)
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("can: bind %s: %w", ifaceName, err)
	}

	return &socketCANTransport{fd: fd}, nil
}

func (t *socketCANTransport) Send(ctx context.Context, frame Frame) error {
	buf, err := encodeCANFrame(frame)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, werr := unix.Write(t.fd, buf)
		done <- werr
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *socketCANTransport) Receive(ctx context.Context) (Frame, error) {
	type result struct {
		frame Frame
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		buf := make([]byte, canFrameSize)
		n, err := unix.Read(t.fd, buf)
		if err != nil {
			resCh <- result{err: err}
			return
		}
		frame, err := decodeCANFrame(buf[:n])
		resCh <- result{frame: frame, err: err}
	}()

	select {
	case r := <-resCh:
		return r.frame, r.err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (t *socketCANTransport) Close() error {
	return unix.Close(t.fd)
}

func encodeCANFrame(f Frame) ([]byte, error) {
	if len(f.Data) > maxFramePayload {
		return nil, fmt.Errorf("can: frame payload exceeds %d bytes", maxFramePayload)
	}

	buf := make([]byte, canFrameSize)
	id := f.ArbitrationID
	if f.Extended {
		id |= canEFFFlag
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = byte(len(f.Data))
	copy(buf[8:], f.Data)
	return buf, nil
}

func decodeCANFrame(buf []byte) (Frame, error) {
	if len(buf) < canFrameSize {
		return Frame{}, fmt.Errorf("can: short frame read (%d bytes)", len(buf))
	}

	id := binary.LittleEndian.Uint32(buf[0:4])
	extended := id&canEFFFlag != 0
	id &= canEFFMask
	if !extended {
		id &= canSFFMask
	}

	dlc := int(buf[4])
	if dlc > maxFramePayload {
		dlc = maxFramePayload
	}

	return Frame{
		ArbitrationID: id,
		Extended:      extended,
		Data:          append([]byte(nil), buf[8:8+dlc]...),
	}, nil
}
