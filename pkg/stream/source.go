package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	recvBufferSize = 1 << 20
	readTimeout    = time.Second

	// DefaultFrameSize is the on-disk frame stride for recordings that
	// carry no framing of their own.
	DefaultFrameSize = 1400
)

// Source yields raw stream frames, one per Get call.
type Source interface {
	io.Closer
	// Get fills buf with the next frame and returns its length. Timeouts
	// surface as net.Error so callers can keep waiting.
	Get(buf []byte) (int, error)
}

// UDPSource receives frames from the instrument's network stream.
type UDPSource struct {
	conn *net.UDPConn
}

// NewUDPSource binds addr (e.g. "0.0.0.0:9293") and sizes the kernel buffer
// for burst arrival.
func NewUDPSource(addr string) (*UDPSource, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}
	if err := conn.SetReadBuffer(recvBufferSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sizing receive buffer: %w", err)
	}
	log.Info().Str("addr", conn.LocalAddr().String()).Msg("listening for stream frames")
	return &UDPSource{conn: conn}, nil
}

func (s *UDPSource) Get(buf []byte) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return 0, err
	}
	n, _, err := s.conn.ReadFromUDP(buf)
	return n, err
}

func (s *UDPSource) Close() error {
	return s.conn.Close()
}

// FileSource replays a frame recording in a loop, frameSize bytes per frame.
type FileSource struct {
	f         *os.File
	r         *bufio.Reader
	frameSize int
}

// NewFileSource opens path for looping replay. A frameSize of 0 uses
// DefaultFrameSize.
func NewFileSource(path string, frameSize int) (*FileSource, error) {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < int64(frameSize) {
		f.Close()
		return nil, fmt.Errorf("%s holds %d bytes, less than one %d byte frame", path, info.Size(), frameSize)
	}
	return &FileSource{
		f:         f,
		r:         bufio.NewReaderSize(f, recvBufferSize),
		frameSize: frameSize,
	}, nil
}

func (s *FileSource) Get(buf []byte) (int, error) {
	if len(buf) < s.frameSize {
		return 0, fmt.Errorf("buffer of %d bytes cannot hold a %d byte frame", len(buf), s.frameSize)
	}
	for {
		_, err := io.ReadFull(s.r, buf[:s.frameSize])
		if err == nil {
			return s.frameSize, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if _, err := s.f.Seek(0, io.SeekStart); err != nil {
				return 0, err
			}
			s.r.Reset(s.f)
			continue
		}
		return 0, err
	}
}

func (s *FileSource) Close() error {
	return s.f.Close()
}
