package amd64

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/ralph-oat/pkg/asm"
)

func enc(f func(b *asm.Buffer)) []byte {
	b := asm.NewBuffer()
	f(b)
	return b.Bytes()
}

func TestEncodings(t *testing.T) {
	tests := []struct {
		name string
		emit func(b *asm.Buffer)
		want []byte
	}{
		{"mov rax, rbx", func(b *asm.Buffer) { MovRR(b, true, RAX, RBX) }, []byte{0x48, 0x89, 0xd8}},
		{"mov r8d, eax", func(b *asm.Buffer) { MovRR(b, false, R8, RAX) }, []byte{0x41, 0x89, 0xc0}},
		{"xor eax, eax", func(b *asm.Buffer) { MovImm(b, false, RAX, 0) }, []byte{0x31, 0xc0}},
		{"mov r9d, 5", func(b *asm.Buffer) { MovImm(b, true, R9, 5) }, []byte{0x41, 0xb9, 5, 0, 0, 0}},
		{"mov rax, -1", func(b *asm.Buffer) { MovImm(b, true, RAX, -1) }, []byte{0x48, 0xc7, 0xc0, 0xff, 0xff, 0xff, 0xff}},
		{"movabs rax", func(b *asm.Buffer) { MovImm(b, true, RAX, 0x123456789) },
			[]byte{0x48, 0xb8, 0x89, 0x67, 0x45, 0x23, 0x01, 0, 0, 0}},
		{"mov eax, [rbx+8]", func(b *asm.Buffer) { Load(b, 4, false, false, RAX, Ptr(RBX, 8)) }, []byte{0x8b, 0x43, 0x08}},
		{"mov rax, [rsp+16]", func(b *asm.Buffer) { Load(b, 8, false, true, RAX, Ptr(RSP, 16)) }, []byte{0x48, 0x8b, 0x44, 0x24, 0x10}},
		{"mov eax, [rbp]", func(b *asm.Buffer) { Load(b, 4, false, false, RAX, Ptr(RBP, 0)) }, []byte{0x8b, 0x45, 0x00}},
		{"mov eax, [r13]", func(b *asm.Buffer) { Load(b, 4, false, false, RAX, Ptr(R13, 0)) }, []byte{0x41, 0x8b, 0x45, 0x00}},
		{"movsx ecx, word [rdi+rsi*2+12]", func(b *asm.Buffer) { Load(b, 2, true, false, RCX, PtrIndex(RDI, RSI, 1, 12)) },
			[]byte{0x0f, 0xbf, 0x4c, 0x77, 0x0c}},
		{"mov [rax], sil", func(b *asm.Buffer) { Store(b, 1, RSI, Ptr(RAX, 0)) }, []byte{0x40, 0x88, 0x30}},
		{"mov [rbx], ax", func(b *asm.Buffer) { Store(b, 2, RAX, Ptr(RBX, 0)) }, []byte{0x66, 0x89, 0x03}},
		{"mov [r12+r9*4], eax", func(b *asm.Buffer) { Store(b, 4, RAX, PtrIndex(R12, R9, 2, 0)) }, []byte{0x43, 0x89, 0x04, 0x8c}},
		{"call gs:[0x40]", func(b *asm.Buffer) { CallMem(b, GS(0x40)) }, []byte{0x65, 0xff, 0x14, 0x25, 0x40, 0, 0, 0}},
		{"cmp dword gs:[0], 0", func(b *asm.Buffer) { CmpMemImm(b, GS(0), 0) }, []byte{0x65, 0x83, 0x3c, 0x25, 0, 0, 0, 0, 0}},
		{"add eax, ecx", func(b *asm.Buffer) { AluRR(b, Add, false, RAX, RCX) }, []byte{0x01, 0xc8}},
		{"sub rsp, 16", func(b *asm.Buffer) { AluImm(b, Sub, true, RSP, 16) }, []byte{0x48, 0x83, 0xec, 0x10}},
		{"cmp edx, 1000", func(b *asm.Buffer) { AluImm(b, Cmp, false, RDX, 1000) }, []byte{0x81, 0xfa, 0xe8, 0x03, 0, 0}},
		{"imul rax, rbx", func(b *asm.Buffer) { Imul(b, true, RAX, RBX) }, []byte{0x48, 0x0f, 0xaf, 0xc3}},
		{"idiv ecx", func(b *asm.Buffer) { UnaryR(b, Idiv, false, RCX) }, []byte{0xf7, 0xf9}},
		{"neg rax", func(b *asm.Buffer) { UnaryR(b, Neg, true, RAX) }, []byte{0x48, 0xf7, 0xd8}},
		{"cqo", func(b *asm.Buffer) { Cdq(b, true) }, []byte{0x48, 0x99}},
		{"shl eax, cl", func(b *asm.Buffer) { ShiftCL(b, Shl, false, RAX) }, []byte{0xd3, 0xe0}},
		{"sar rdx, 3", func(b *asm.Buffer) { ShiftImm(b, Sar, true, RDX, 3) }, []byte{0x48, 0xc1, 0xfa, 0x03}},
		{"movsx eax, sil", func(b *asm.Buffer) { Movsx(b, false, RAX, RSI, 1) }, []byte{0x40, 0x0f, 0xbe, 0xc6}},
		{"movsxd rax, ecx", func(b *asm.Buffer) { Movsx(b, true, RAX, RCX, 4) }, []byte{0x48, 0x63, 0xc1}},
		{"movzx eax, cx", func(b *asm.Buffer) { Movzx(b, RAX, RCX, 2) }, []byte{0x0f, 0xb7, 0xc1}},
		{"setl al", func(b *asm.Buffer) { Setcc(b, L, RAX) }, []byte{0x0f, 0x9c, 0xc0}},
		{"sete dil", func(b *asm.Buffer) { Setcc(b, E, RDI) }, []byte{0x40, 0x0f, 0x94, 0xc7}},
		{"cmovne eax, ebx", func(b *asm.Buffer) { Cmov(b, NE, false, RAX, RBX) }, []byte{0x0f, 0x45, 0xc3}},
		{"popcnt eax, ecx", func(b *asm.Buffer) { Popcnt(b, false, RAX, RCX) }, []byte{0xf3, 0x0f, 0xb8, 0xc1}},
		{"push r12", func(b *asm.Buffer) { Push(b, R12) }, []byte{0x41, 0x54}},
		{"pop rbx", func(b *asm.Buffer) { Pop(b, RBX) }, []byte{0x5b}},
		{"test eax, [rsp-8192]", func(b *asm.Buffer) { TestMem(b, RAX, Ptr(RSP, -8192)) },
			[]byte{0x85, 0x84, 0x24, 0x00, 0xe0, 0xff, 0xff}},
		{"jmp r11", func(b *asm.Buffer) { JmpReg(b, R11) }, []byte{0x41, 0xff, 0xe3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, enc(tt.emit))
		})
	}
}

func TestLeaRIP(t *testing.T) {
	b := asm.NewBuffer()
	at := LeaRIP(b, RAX)
	assert.Equal(t, 3, at)
	assert.Equal(t, []byte{0x48, 0x8d, 0x05, 0, 0, 0, 0}, b.Bytes())
}

func TestResolve(t *testing.T) {
	b := asm.NewBuffer()
	at := Jmp(b)
	code := append(b.Bytes(), make([]byte, 16)...)

	require.NoError(t, Resolve(code, asm.Fixup{At: at, Kind: Rel32}, 15))
	assert.Equal(t, []byte{0xe9, 0x0b, 0, 0, 0}, code[:5])

	require.NoError(t, Resolve(code, asm.Fixup{At: 8, Kind: Table32}, -8))
	assert.Equal(t, []byte{0xf8, 0xff, 0xff, 0xff}, code[8:12])

	err := Resolve(code, asm.Fixup{At: at, Kind: Rel32}, 1<<32)
	assert.True(t, errors.Is(err, asm.ErrBranchRange))
}

func TestInvert(t *testing.T) {
	assert.Equal(t, NE, E.Invert())
	assert.Equal(t, GE, L.Invert())
	assert.Equal(t, B, AE.Invert())
}
