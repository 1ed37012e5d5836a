// Package flasher drives the K210 ISP flashing sequence end to end:
// board detection, SRAM bootloader install and boot, flash-mode
// hand-off, optional baud renegotiation, flash-mode init, and firmware
// streaming, reporting progress through a status.Map as it goes.
package flasher

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kendryte/kflash-go/internal/board"
	"github.com/kendryte/kflash-go/internal/protocol"
	"github.com/kendryte/kflash-go/internal/serial"
	"github.com/kendryte/kflash-go/internal/slip"
	"github.com/kendryte/kflash-go/internal/status"
)

// ErrNoBoard is returned when every board.Variant's dance was tried and
// none produced an accepted greeting.
var ErrNoBoard = errors.New("flasher: no board responded to any known variant")

// ErrBadResponse is returned when a one-shot phase's response isn't in
// the accepted-success set, or a streaming phase exhausts its retry
// cap without one.
var ErrBadResponse = errors.New("flasher: target returned an unsuccessful response")

// ErrBadInput is returned for caller-supplied arguments rejected
// before any I/O is attempted.
var ErrBadInput = errors.New("flasher: invalid input")

// maxChunkRetries bounds retransmission of a single chunk in the
// streaming phases (InstallFlashBootloader, FlashFirmware). Without a
// cap a wedged link would retry the same chunk forever instead of
// surfacing an error the caller can act on.
const maxChunkRetries = 16

// initFlashRetries bounds InitializeFlash's retry, a one-shot phase
// that nonetheless gets a single retransmission at the engine level.
const initFlashRetries = 2

const bootSettleDelay = 2 * time.Second

// Transport is the serial-port surface the engine drives the ISP
// protocol over: byte-level write/read, input flushing, DTR/RTS line
// control for the board dance, and reopening the same device at a new
// baud rate for ChangeBaudRate. *serial.Port satisfies it.
type Transport interface {
	Write(data []byte) (int, error)
	ReadByte() (byte, error)
	Flush() error
	Reopen(baudRate int) error
	board.Lines
}

var _ Transport = (*serial.Port)(nil)

// Engine runs one flashing sequence against a single Transport. It is
// not safe for concurrent use and is meant to be discarded after Run
// returns.
type Engine struct {
	port    Transport
	status  *status.Map
	variant board.Variant
}

// New creates an Engine bound to port, publishing phase transitions to
// statusMap. statusMap must not be nil; callers that don't need
// observability can pass status.New(nil).
func New(port Transport, statusMap *status.Map) *Engine {
	return &Engine{port: port, status: statusMap}
}

// Region is one piece of firmware to write to flash: its target
// address, a factory for a fresh byte stream, and the transforms
// FlashFirmware should apply before transmitting it. A single .bin
// firmware is one Region; a .kfpkg package is one Region per
// flash-list.json entry, in manifest order.
type Region struct {
	Address       uint32
	Open          func() (io.ReadCloser, error)
	SHA256Prefix  bool
	Reverse4Bytes bool
}

// Run executes the full flashing sequence: DetectBoard,
// InstallFlashBootloader, FlashGreeting, ChangeBaudRate, InitializeFlash,
// FlashFirmware once per region, and Reboot.
func (e *Engine) Run(ctx context.Context, bootloader []byte, baud int, chip uint32, regions []Region) error {
	if baud < protocol.MinBaudRate {
		return fmt.Errorf("%w: baud rate %d below minimum %d", ErrBadInput, baud, protocol.MinBaudRate)
	}
	if len(regions) == 0 {
		return fmt.Errorf("%w: no firmware regions to flash", ErrBadInput)
	}

	if err := e.DetectBoard(ctx); err != nil {
		return err
	}
	if err := e.InstallFlashBootloader(ctx, bootloader); err != nil {
		return err
	}
	if err := e.FlashGreeting(); err != nil {
		return err
	}
	if err := e.ChangeBaudRate(baud); err != nil {
		return err
	}
	if err := e.InitializeFlash(chip); err != nil {
		return err
	}
	for _, r := range regions {
		rc, err := r.Open()
		if err != nil {
			return fmt.Errorf("flasher: open firmware region at 0x%08x: %w", r.Address, err)
		}
		data, err := readAllAndClose(rc)
		if err != nil {
			return fmt.Errorf("flasher: read firmware region at 0x%08x: %w", r.Address, err)
		}
		if err := e.FlashFirmware(ctx, r.Address, data, r.SHA256Prefix, r.Reverse4Bytes); err != nil {
			return err
		}
	}
	if err := e.Reboot(); err != nil {
		return err
	}
	return nil
}

// DetectBoard tries each board.Variant's DTR/RTS dance in turn until
// one's ISP greeting succeeds. A Timeout during the greeting means
// "wrong variant, try the next one"; any other error propagates
// immediately. Reports BootToISPMode and Greeting as sub-phases of the
// winning attempt.
func (e *Engine) DetectBoard(ctx context.Context) error {
	e.status.Start(status.DetectBoard)

	for _, v := range board.Variants {
		if err := ctx.Err(); err != nil {
			e.status.Fail(status.DetectBoard)
			return err
		}

		e.status.Start(status.BootToISPMode)
		if err := board.EnterISP(e.port, v); err != nil {
			e.status.Fail(status.BootToISPMode)
			e.status.Fail(status.DetectBoard)
			return fmt.Errorf("flasher: enter ISP mode (%s): %w", v, err)
		}
		e.status.Finish(status.BootToISPMode)

		e.status.Start(status.Greeting)
		if _, err := e.port.Write(protocol.ISPGreeting()); err != nil {
			e.status.Fail(status.Greeting)
			e.status.Fail(status.DetectBoard)
			return fmt.Errorf("flasher: send ISP greeting (%s): %w", v, err)
		}

		resp, err := e.readResponse()
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				continue
			}
			e.status.Fail(status.Greeting)
			e.status.Fail(status.DetectBoard)
			return fmt.Errorf("flasher: read ISP greeting response (%s): %w", v, err)
		}
		if !resp.Accepted(false) {
			continue
		}

		e.status.Finish(status.Greeting)
		e.status.Finish(status.DetectBoard)
		e.variant = v
		return nil
	}

	e.status.Fail(status.Greeting)
	e.status.Fail(status.DetectBoard)
	return ErrNoBoard
}

// InstallFlashBootloader uploads bootloader to protocol.SRAMBootloaderAddress
// in 1024-byte chunks via ISP_MEMORY_WRITE, retransmitting a chunk on a
// bad response until it has been sent maxChunkRetries times, then boots it with a single
// unacknowledged ISP_MEMORY_BOOT packet followed by a settling sleep.
func (e *Engine) InstallFlashBootloader(ctx context.Context, bootloader []byte) error {
	e.status.Start(status.InstallFlashBootloader)

	total := len(bootloader)
	sent := 0
	for sent < total {
		if err := ctx.Err(); err != nil {
			e.status.Fail(status.InstallFlashBootloader)
			return err
		}

		end := sent + protocol.BootloaderChunkSize
		if end > total {
			end = total
		}
		chunk := bootloader[sent:end]
		addr := protocol.SRAMBootloaderAddress + uint32(sent)

		if err := e.sendChunk(protocol.ISPMemoryWrite, addr, chunk, true, maxChunkRetries); err != nil {
			e.status.Fail(status.InstallFlashBootloader)
			return fmt.Errorf("flasher: install bootloader chunk at offset %d: %w", sent, err)
		}

		sent = end
		e.status.Progress(status.InstallFlashBootloader, float64(sent)/float64(total))
	}

	frame := slip.Encode(protocol.Build(protocol.ISPMemoryBoot, protocol.SRAMBootloaderAddress, nil))
	if _, err := e.port.Write(frame); err != nil {
		e.status.Fail(status.InstallFlashBootloader)
		return fmt.Errorf("flasher: send ISP_MEMORY_BOOT: %w", err)
	}
	time.Sleep(bootSettleDelay)

	e.status.Finish(status.InstallFlashBootloader)
	return nil
}

// FlashGreeting sends the flash-mode greeting and requires an OK
// response (DEFAULT does not count here, as in the ISP greeting, unlike
// the non-greeting phases).
func (e *Engine) FlashGreeting() error {
	e.status.Start(status.FlashGreeting)

	if _, err := e.port.Write(protocol.FlashGreeting()); err != nil {
		e.status.Fail(status.FlashGreeting)
		return fmt.Errorf("flasher: send flash greeting: %w", err)
	}
	resp, err := e.readResponse()
	if err != nil {
		e.status.Fail(status.FlashGreeting)
		return fmt.Errorf("flasher: read flash greeting response: %w", err)
	}
	if !resp.Accepted(false) {
		e.status.Fail(status.FlashGreeting)
		return fmt.Errorf("%w: %s", ErrBadResponse, protocol.ErrorName(resp.Error))
	}

	e.status.Finish(status.FlashGreeting)
	return nil
}

// ChangeBaudRate sends ISP_UARTHS_BAUDRATE_SET with no response read,
// then closes and reopens the port at baud.
func (e *Engine) ChangeBaudRate(baud int) error {
	e.status.Start(status.ChangeBaudRate)

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(baud))
	frame := slip.Encode(protocol.Build(protocol.ISPUarthsBaudrateSet, 0, payload))

	if _, err := e.port.Write(frame); err != nil {
		e.status.Fail(status.ChangeBaudRate)
		return fmt.Errorf("flasher: send baud rate change: %w", err)
	}
	if err := e.port.Reopen(baud); err != nil {
		e.status.Fail(status.ChangeBaudRate)
		return fmt.Errorf("flasher: reopen port at %d baud: %w", baud, err)
	}

	e.status.Finish(status.ChangeBaudRate)
	return nil
}

// InitializeFlash sends FLASHMODE_FLASH_INIT with address=chip,
// retransmitting once more on a bad response before giving up.
func (e *Engine) InitializeFlash(chip uint32) error {
	e.status.Start(status.InitializeFlash)

	if err := e.sendChunk(protocol.FlashModeFlashInit, chip, nil, true, initFlashRetries); err != nil {
		e.status.Fail(status.InitializeFlash)
		return fmt.Errorf("flasher: initialize flash (chip %d): %w", chip, err)
	}

	e.status.Finish(status.InitializeFlash)
	return nil
}

// FlashFirmware streams data to address in 4096-byte chunks via
// ISP_FLASH_WRITE, with the base address incremented by 4096 per chunk
// regardless of the chunk's actual length. When sha256Prefix is set the
// payload is wrapped in a [0x00][u32 LE length][data][sha256] envelope
// first; when reverse4Bytes is set, data is byte-reversed within every
// 4-byte-aligned word before wrapping.
func (e *Engine) FlashFirmware(ctx context.Context, address uint32, data []byte, sha256Prefix, reverse4Bytes bool) error {
	e.status.Start(status.FlashFirmware)

	if reverse4Bytes {
		data = reverse4ByteWords(data)
	}

	envelope := data
	if sha256Prefix {
		envelope = wrapSHA256Envelope(data)
	}

	total := len(envelope)
	sent := 0
	chunkIndex := 0
	for sent < total {
		if err := ctx.Err(); err != nil {
			e.status.Fail(status.FlashFirmware)
			return err
		}

		end := sent + protocol.FlashChunkSize
		if end > total {
			end = total
		}
		chunk := envelope[sent:end]
		addr := address + uint32(chunkIndex*protocol.FlashChunkSize)

		if err := e.sendChunk(protocol.ISPFlashWrite, addr, chunk, true, maxChunkRetries); err != nil {
			e.status.Fail(status.FlashFirmware)
			return fmt.Errorf("flasher: flash write chunk at 0x%08x: %w", addr, err)
		}

		sent = end
		chunkIndex++
		e.status.Progress(status.FlashFirmware, float64(sent)/float64(total))
	}

	e.status.Finish(status.FlashFirmware)
	return nil
}

// Reboot runs the detected board's reboot DTR/RTS dance. No protocol
// exchange takes place.
func (e *Engine) Reboot() error {
	e.status.Start(status.Reboot)

	if err := board.Reboot(e.port, e.variant); err != nil {
		e.status.Fail(status.Reboot)
		return fmt.Errorf("flasher: reboot (%s): %w", e.variant, err)
	}

	e.status.Finish(status.Reboot)
	return nil
}

// sendChunk writes one packet and retransmits it on a non-accepted
// response, sending it at most maxAttempts times in all. A read error
// (such as a timeout) is returned at once without a retransmission.
func (e *Engine) sendChunk(op uint16, address uint32, payload []byte, acceptDefault bool, maxAttempts int) error {
	packet := protocol.Build(op, address, payload)
	frame := slip.Encode(packet)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := e.port.Flush(); err != nil {
			return err
		}
		if _, err := e.port.Write(frame); err != nil {
			return err
		}

		resp, err := e.readResponse()
		if err != nil {
			return err
		}
		if resp.Accepted(acceptDefault) {
			return nil
		}
		lastErr = fmt.Errorf("%w: %s", ErrBadResponse, protocol.ErrorName(resp.Error))
	}

	if lastErr == nil {
		lastErr = ErrBadResponse
	}
	return fmt.Errorf("exceeded %d attempts: %w", maxAttempts, lastErr)
}

// readResponse reads bytes until a complete SLIP frame has arrived and
// decodes it into a protocol.Response.
func (e *Engine) readResponse() (protocol.Response, error) {
	var buf []byte
	for {
		b, err := e.port.ReadByte()
		if err != nil {
			return protocol.Response{}, err
		}
		buf = append(buf, b)

		frame, remaining := slip.ReadFrame(buf)
		if frame == nil {
			continue
		}
		buf = remaining

		payload, err := slip.Decode(frame)
		if err != nil {
			return protocol.Response{}, err
		}
		if len(payload) < 2 {
			continue
		}
		return protocol.ParseResponse(payload)
	}
}

func readAllAndClose(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	return io.ReadAll(rc)
}

// reverse4ByteWords reverses the byte order within every 4-byte-aligned
// word of data. A trailing partial word (len(data) % 4 != 0) is
// reversed in place over its own shorter span.
func reverse4ByteWords(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	for offset := 0; offset < len(out); offset += 4 {
		end := offset + 4
		if end > len(out) {
			end = len(out)
		}
		word := out[offset:end]
		for i, j := 0, len(word)-1; i < j; i, j = i+1, j-1 {
			word[i], word[j] = word[j], word[i]
		}
	}
	return out
}

// wrapSHA256Envelope builds [0x00][u32 LE length][data][sha256(prefix+data)].
func wrapSHA256Envelope(data []byte) []byte {
	body := make([]byte, 5+len(data))
	body[0] = 0x00
	binary.LittleEndian.PutUint32(body[1:5], uint32(len(data)))
	copy(body[5:], data)

	sum := sha256.Sum256(body)
	return append(body, sum[:]...)
}
