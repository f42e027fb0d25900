// Package wasmtest assembles tiny WebAssembly units for tests and
// benchmarks, so no toolchain or checked-in binaries are needed.
//
//	wasm := wasmtest.New().
//	    HostCall(`{"fn":"response_status","args":{"code":201}}`).
//	    Print("created").
//	    Bytes()
//
// The generated module exports "memory" and a "_start" function that runs
// the steps in order.
package wasmtest

import (
	"os"
	"path/filepath"
	"testing"
)

const (
	wasiModule = "wasi_snapshot_preview1"
	hostModule = "scriptgate"

	// scratch layout: iovec at 0 (ptr, len), nwritten at 8, nread at 12
	iovAddr      = 0
	nwrittenAddr = 8
	nreadAddr    = 12
	dataStart    = 64

	respCap = 1024
)

const (
	opUnreachable = 0x00
	opEnd         = 0x0b
	opCall        = 0x10
	opDrop        = 0x1a
	opI32Load     = 0x28
	opI32Store    = 0x36
	opI32Const    = 0x41

	typeI32  = 0x7f
	typeFunc = 0x60
)

type importFn struct {
	module, name string
	params       int
	result       bool
}

var (
	fdWrite  = importFn{wasiModule, "fd_write", 4, true}
	fdRead   = importFn{wasiModule, "fd_read", 4, true}
	procExit = importFn{wasiModule, "proc_exit", 1, false}
	hostCall = importFn{hostModule, "call", 4, true}
)

type segment struct {
	offset uint32
	data   []byte
}

// Program builds a module step by step.
type Program struct {
	imports []importFn
	data    []segment
	next    uint32
	code    []byte
}

// New returns an empty program. Its _start does nothing.
func New() *Program {
	return &Program{next: dataStart}
}

// Print writes text to stdout.
func (p *Program) Print(text string) *Program {
	addr := p.alloc([]byte(text))
	p.storeIOV(addr, uint32(len(text)))
	p.write()
	return p
}

// EchoStdin copies up to max bytes of stdin to stdout with one read.
func (p *Program) EchoStdin(max uint32) *Program {
	buf := p.alloc(make([]byte, max))
	p.storeIOV(buf, max)

	read := p.importIndex(fdRead)
	p.i32(0).i32(iovAddr).i32(1).i32(nreadAddr)
	p.emit(opCall).uleb(read).emit(opDrop)

	// iov.len = *nread
	p.i32(iovAddr).i32(nreadAddr)
	p.emit(opI32Load).uleb(2).uleb(0)
	p.emit(opI32Store).uleb(2).uleb(4)

	p.write()
	return p
}

// HostCall invokes scriptgate.call with a JSON request and ignores the
// response.
func (p *Program) HostCall(request string) *Program {
	req := p.alloc([]byte(request))
	resp := p.alloc(make([]byte, respCap))
	fn := p.importIndex(hostCall)
	p.i32(int32(req)).i32(int32(len(request))).i32(int32(resp)).i32(respCap)
	p.emit(opCall).uleb(fn).emit(opDrop)
	return p
}

// Exit terminates the module with code.
func (p *Program) Exit(code int32) *Program {
	fn := p.importIndex(procExit)
	p.i32(code).emit(opCall).uleb(fn)
	return p
}

// Trap aborts execution with an unreachable trap.
func (p *Program) Trap() *Program {
	p.emit(opUnreachable)
	return p
}

// Bytes encodes the module.
func (p *Program) Bytes() []byte {
	// types: one per import, then _start
	var types [][]byte
	for _, imp := range p.imports {
		types = append(types, funcType(imp.params, imp.result))
	}
	startType := uint32(len(types))
	types = append(types, funcType(0, false))

	var imports [][]byte
	for i, imp := range p.imports {
		entry := append(name(imp.module), name(imp.name)...)
		entry = append(entry, 0x00)
		entry = append(entry, uleb(uint32(i))...)
		imports = append(imports, entry)
	}

	pages := (p.next + 0xffff) / 0x10000
	if pages == 0 {
		pages = 1
	}

	startIndex := uint32(len(p.imports))
	exports := [][]byte{
		append(append(name("_start"), 0x00), uleb(startIndex)...),
		append(append(name("memory"), 0x02), uleb(0)...),
	}

	body := append([]byte{0x00}, p.code...)
	body = append(body, opEnd)
	code := append(uleb(uint32(len(body))), body...)

	var data [][]byte
	for _, s := range p.data {
		seg := []byte{0x00, opI32Const}
		seg = append(seg, sleb(int32(s.offset))...)
		seg = append(seg, opEnd)
		seg = append(seg, uleb(uint32(len(s.data)))...)
		seg = append(seg, s.data...)
		data = append(data, seg)
	}

	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(1, vec(types))...)
	if len(imports) > 0 {
		out = append(out, section(2, vec(imports))...)
	}
	out = append(out, section(3, vec([][]byte{uleb(startType)}))...)
	out = append(out, section(5, vec([][]byte{append([]byte{0x00}, uleb(pages)...)}))...)
	out = append(out, section(7, vec(exports))...)
	out = append(out, section(10, vec([][]byte{code}))...)
	if len(data) > 0 {
		out = append(out, section(11, vec(data))...)
	}
	return out
}

// WriteUnit writes wasm to dir/<id>.wasm, creating parent directories.
func WriteUnit(tb testing.TB, dir, id string, wasm []byte) {
	tb.Helper()
	path := filepath.Join(dir, filepath.FromSlash(id)+".wasm")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("create unit dir: %v", err)
	}
	if err := os.WriteFile(path, wasm, 0o644); err != nil {
		tb.Fatalf("write unit %s: %v", id, err)
	}
}

func (p *Program) storeIOV(addr, length uint32) {
	p.i32(iovAddr).i32(int32(addr))
	p.emit(opI32Store).uleb(2).uleb(0)
	p.i32(iovAddr).i32(int32(length))
	p.emit(opI32Store).uleb(2).uleb(4)
}

func (p *Program) write() {
	fn := p.importIndex(fdWrite)
	p.i32(1).i32(iovAddr).i32(1).i32(nwrittenAddr)
	p.emit(opCall).uleb(fn).emit(opDrop)
}

func (p *Program) alloc(b []byte) uint32 {
	addr := p.next
	if len(b) > 0 {
		p.data = append(p.data, segment{offset: addr, data: b})
	}
	p.next += (uint32(len(b)) + 7) &^ 7
	return addr
}

func (p *Program) importIndex(fn importFn) uint32 {
	for i, imp := range p.imports {
		if imp == fn {
			return uint32(i)
		}
	}
	p.imports = append(p.imports, fn)
	return uint32(len(p.imports) - 1)
}

func (p *Program) i32(v int32) *Program {
	p.code = append(p.code, opI32Const)
	p.code = append(p.code, sleb(v)...)
	return p
}

func (p *Program) emit(b byte) *Program {
	p.code = append(p.code, b)
	return p
}

func (p *Program) uleb(v uint32) *Program {
	p.code = append(p.code, uleb(v)...)
	return p
}

func funcType(params int, result bool) []byte {
	t := []byte{typeFunc}
	t = append(t, uleb(uint32(params))...)
	for i := 0; i < params; i++ {
		t = append(t, typeI32)
	}
	if result {
		return append(t, 0x01, typeI32)
	}
	return append(t, 0x00)
}

func section(id byte, content []byte) []byte {
	out := append([]byte{id}, uleb(uint32(len(content)))...)
	return append(out, content...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
