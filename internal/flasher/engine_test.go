package flasher

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/kendryte/kflash-go/internal/board"
	"github.com/kendryte/kflash-go/internal/protocol"
	"github.com/kendryte/kflash-go/internal/serial"
	"github.com/kendryte/kflash-go/internal/slip"
	"github.com/kendryte/kflash-go/internal/status"
)

// fakeResponse is one canned reply for fakePort.ReadByte to hand back,
// or a timeout in place of a reply.
type fakeResponse struct {
	timeout bool
	errCode byte
}

func ok() fakeResponse  { return fakeResponse{errCode: protocol.RetOK} }
func deflt() fakeResponse { return fakeResponse{errCode: protocol.RetDefault} }
func timeout() fakeResponse { return fakeResponse{timeout: true} }
func badChecksum() fakeResponse { return fakeResponse{errCode: protocol.RetBadDataChecksum} }

// fakePort is an in-memory Transport double: it records every frame
// written and replays a scripted sequence of responses byte-by-byte
// through ReadByte, the same shape the real serial link presents.
type fakePort struct {
	responses []fakeResponse
	respIdx   int
	pending   []byte

	writes  [][]byte
	dtr     []bool
	rts     []bool
	reopens []int
	flushes int
}

func (p *fakePort) Write(data []byte) (int, error) {
	p.writes = append(p.writes, append([]byte(nil), data...))
	return len(data), nil
}

func (p *fakePort) ReadByte() (byte, error) {
	if len(p.pending) == 0 {
		if p.respIdx >= len(p.responses) {
			return 0, serial.ErrTimeout
		}
		r := p.responses[p.respIdx]
		p.respIdx++
		if r.timeout {
			return 0, serial.ErrTimeout
		}
		p.pending = slip.Encode([]byte{0x00, r.errCode})
	}

	b := p.pending[0]
	p.pending = p.pending[1:]
	return b, nil
}

func (p *fakePort) Flush() error {
	p.flushes++
	return nil
}

func (p *fakePort) Reopen(baudRate int) error {
	p.reopens = append(p.reopens, baudRate)
	return nil
}

func (p *fakePort) SetDTR(value bool) error {
	p.dtr = append(p.dtr, value)
	return nil
}

func (p *fakePort) SetRTS(value bool) error {
	p.rts = append(p.rts, value)
	return nil
}

// decodeWrite unwraps one recorded SLIP frame into its packet header
// fields and payload.
func decodeWrite(t *testing.T, frame []byte) (op uint16, address, length uint32, payload []byte) {
	t.Helper()
	packet, err := slip.Decode(frame)
	if err != nil {
		t.Fatalf("slip.Decode(%v) error = %v", frame, err)
	}
	op = binary.LittleEndian.Uint16(packet[0:2])
	address = binary.LittleEndian.Uint32(packet[8:12])
	length = binary.LittleEndian.Uint32(packet[12:16])
	payload = packet[16:]
	return
}

func TestEngine_S1_SingleBinHappyPath(t *testing.T) {
	bootloader := bytes.Repeat([]byte{0x01}, 8192) // 8 chunks of 1024
	firmware := bytes.Repeat([]byte{0x5A}, 8192)

	port := &fakePort{responses: []fakeResponse{
		ok(),          // ISP greeting
		ok(), ok(), ok(), ok(), ok(), ok(), ok(), ok(), // 8 bootloader chunks
		ok(), // flash greeting
		ok(), // FLASHMODE_FLASH_INIT
		ok(), ok(), ok(), // 3 ISP_FLASH_WRITE chunks
	}}

	engine := New(port, status.New(nil))
	regions := []Region{{
		Address:      0,
		Open:         func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(firmware)), nil },
		SHA256Prefix: true,
	}}

	if err := engine.Run(context.Background(), bootloader, protocol.DefaultBaudRate, protocol.DefaultChip, regions); err != nil {
		t.Fatalf("Run error = %v", err)
	}

	wantWrites := 1 + 8 + 1 + 1 + 1 + 1 + 3 // greeting, bootloader chunks, MEMORY_BOOT, flash greeting, baud set, flash init, flash chunks
	if len(port.writes) != wantWrites {
		t.Fatalf("got %d writes, want %d", len(port.writes), wantWrites)
	}

	if !bytes.Equal(port.writes[0], protocol.ISPGreeting()) {
		t.Errorf("write 0 = %v, want ISP greeting", port.writes[0])
	}

	for i := 0; i < 8; i++ {
		op, addr, length, _ := decodeWrite(t, port.writes[1+i])
		if op != protocol.ISPMemoryWrite {
			t.Errorf("bootloader chunk %d: op = 0x%X, want ISP_MEMORY_WRITE", i, op)
		}
		wantAddr := uint32(protocol.SRAMBootloaderAddress + i*protocol.BootloaderChunkSize)
		if addr != wantAddr {
			t.Errorf("bootloader chunk %d: address = 0x%X, want 0x%X", i, addr, wantAddr)
		}
		if length != protocol.BootloaderChunkSize {
			t.Errorf("bootloader chunk %d: length = %d, want %d", i, length, protocol.BootloaderChunkSize)
		}
	}

	op, addr, length, _ := decodeWrite(t, port.writes[9])
	if op != protocol.ISPMemoryBoot || addr != protocol.SRAMBootloaderAddress || length != 0 {
		t.Errorf("write 9 = op 0x%X addr 0x%X len %d, want ISP_MEMORY_BOOT at 0x%X len 0", op, addr, length, uint32(protocol.SRAMBootloaderAddress))
	}

	if !bytes.Equal(port.writes[10], protocol.FlashGreeting()) {
		t.Errorf("write 10 = %v, want flash greeting", port.writes[10])
	}

	op, addr, length, payload := decodeWrite(t, port.writes[11])
	if op != protocol.ISPUarthsBaudrateSet || addr != 0 || length != 4 {
		t.Errorf("write 11 = op 0x%X addr 0x%X len %d, want baud rate set", op, addr, length)
	}
	if got := binary.LittleEndian.Uint32(payload); got != protocol.DefaultBaudRate {
		t.Errorf("baud payload = %d, want %d", got, protocol.DefaultBaudRate)
	}
	if len(port.reopens) != 1 || port.reopens[0] != protocol.DefaultBaudRate {
		t.Errorf("reopens = %v, want [%d]", port.reopens, protocol.DefaultBaudRate)
	}

	op, addr, _, _ = decodeWrite(t, port.writes[12])
	if op != protocol.FlashModeFlashInit || addr != protocol.DefaultChip {
		t.Errorf("write 12 = op 0x%X addr %d, want FLASHMODE_FLASH_INIT at chip %d", op, addr, protocol.DefaultChip)
	}

	wantFlashAddrs := []uint32{0, 4096, 8192}
	wantFlashLens := []uint32{4096, 4096, 37} // envelope = 1+4+8192+32 = 8229
	for i, wantAddr := range wantFlashAddrs {
		op, addr, length, _ := decodeWrite(t, port.writes[13+i])
		if op != protocol.ISPFlashWrite {
			t.Errorf("flash chunk %d: op = 0x%X, want ISP_FLASH_WRITE", i, op)
		}
		if addr != wantAddr {
			t.Errorf("flash chunk %d: address = 0x%X, want 0x%X", i, addr, wantAddr)
		}
		if length != wantFlashLens[i] {
			t.Errorf("flash chunk %d: length = %d, want %d", i, length, wantFlashLens[i])
		}
	}

	// Reboot ran the KD233 dance (the first, and here only, variant
	// tried) twice: once to enter ISP mode during DetectBoard, once to
	// reboot at the end.
	if len(port.dtr) != 4 || len(port.rts) != 2 {
		t.Errorf("dtr/rts events = %v/%v, want 4/2 entries (enter-ISP + reboot)", port.dtr, port.rts)
	}
}

func TestEngine_S3_BoardDetectionFallback(t *testing.T) {
	port := &fakePort{responses: []fakeResponse{
		timeout(), // KD233 greeting times out
		ok(),      // Generic greeting succeeds
	}}

	engine := New(port, status.New(nil))
	if err := engine.DetectBoard(context.Background()); err != nil {
		t.Fatalf("DetectBoard error = %v", err)
	}

	if engine.variant != board.Generic {
		t.Errorf("variant = %v, want %v", engine.variant, board.Generic)
	}
	if len(port.writes) != 2 {
		t.Fatalf("got %d greeting writes, want 2 (one per variant attempt)", len(port.writes))
	}
	if !bytes.Equal(port.writes[0], protocol.ISPGreeting()) || !bytes.Equal(port.writes[1], protocol.ISPGreeting()) {
		t.Error("expected both attempts to send the ISP greeting frame")
	}
}

func TestEngine_S4_RetransmitOnBadChecksum(t *testing.T) {
	port := &fakePort{responses: []fakeResponse{
		badChecksum(),
		ok(),
	}}

	statusMap := status.New(nil)
	engine := New(port, statusMap)

	data := []byte{1, 2, 3, 4}
	if err := engine.FlashFirmware(context.Background(), 0x1000, data, false, false); err != nil {
		t.Fatalf("FlashFirmware error = %v", err)
	}

	if len(port.writes) != 2 {
		t.Fatalf("got %d writes, want 2 (original + one retransmit)", len(port.writes))
	}
	first := port.writes[0]
	second := port.writes[1]
	if !bytes.Equal(first, second) {
		t.Error("retransmit must resend the identical chunk")
	}

	js := statusMap.Get(status.FlashFirmware)
	if js.RunningState != status.Finished || js.Progress != 1.0 {
		t.Errorf("FlashFirmware status = %+v, want Finished at progress 1.0", js)
	}
}

func TestEngine_S5_KfpkgOrdering(t *testing.T) {
	manifest, err := json.Marshal(map[string]any{
		"version": "0.1.1",
		"files": []map[string]any{
			{"address": 0, "bin": "a.bin", "sha256Prefix": false, "reverse4Bytes": false},
			{"address": 4194304, "bin": "b.bin", "sha256Prefix": false, "reverse4Bytes": false},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	path := buildKfpkg(t, manifest, map[string][]byte{
		"a.bin": {1, 2, 3},
		"b.bin": {4, 5, 6, 7},
	})

	regions, closeFirmware, err := LoadFirmware(path)
	if err != nil {
		t.Fatalf("LoadFirmware error = %v", err)
	}
	defer closeFirmware()

	port := &fakePort{responses: []fakeResponse{ok(), ok()}}
	engine := New(port, status.New(nil))

	for _, r := range regions {
		rc, err := r.Open()
		if err != nil {
			t.Fatalf("Open region at 0x%x error = %v", r.Address, err)
		}
		data, err := readAllAndClose(rc)
		if err != nil {
			t.Fatalf("read region at 0x%x error = %v", r.Address, err)
		}
		if err := engine.FlashFirmware(context.Background(), r.Address, data, r.SHA256Prefix, r.Reverse4Bytes); err != nil {
			t.Fatalf("FlashFirmware(0x%x) error = %v", r.Address, err)
		}
	}

	if len(port.writes) != 2 {
		t.Fatalf("got %d writes, want 2 (one chunk per file)", len(port.writes))
	}
	_, addr0, _, _ := decodeWrite(t, port.writes[0])
	_, addr1, _, _ := decodeWrite(t, port.writes[1])
	if addr0 != 0 || addr1 != 0x400000 {
		t.Errorf("write addresses = [0x%x, 0x%x], want [0x0, 0x400000] in that order", addr0, addr1)
	}
}
