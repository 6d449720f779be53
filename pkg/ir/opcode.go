package ir

import "fmt"

// Opcode identifies an instruction kind.
type Opcode uint8

const (
	OpInvalid Opcode = iota

	// Values
	OpParam
	OpConst
	OpNull
	OpPhi

	// Arithmetic
	OpAdd
	OpSub
	OpMul
	// Div and rem require a nonzero divisor: the result of dividing by
	// zero is undefined and differs between targets, so producers branch
	// on the divisor and throw before dividing. MinInt / -1 wraps.
	OpDiv
	OpRem
	OpNeg
	OpNot
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpUShr
	OpRor

	// Comparisons, producing bool
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	OpSelect
	OpConv
	OpBitCount

	// Memory
	OpIGet
	OpIPut
	OpSGet
	OpSPut
	OpAGet
	OpASet
	OpALen
	OpBoundsCheck
	OpNullCheck
	OpNew
	OpNewArray
	OpFillArray

	OpCall
	OpSuspend

	// Control flow
	OpGoto
	OpIf
	OpSwitch
	OpReturn
	OpThrow
	OpTry

	// Architecture specific
	OpMulAcc
	OpShiftOp
	OpIntermediateAddress

	numOpcodes
)

type opFlags uint8

const (
	fMovable opFlags = 1 << iota
	fControl
	fCommutative
	fThrows
	fCompare
	fBinary
)

type opInfo struct {
	name  string
	flags opFlags
}

var opTable = [numOpcodes]opInfo{
	OpInvalid:             {"invalid", 0},
	OpParam:               {"param", 0},
	OpConst:               {"const", fMovable},
	OpNull:                {"null", fMovable},
	OpPhi:                 {"phi", 0},
	OpAdd:                 {"add", fMovable | fCommutative | fBinary},
	OpSub:                 {"sub", fMovable | fBinary},
	OpMul:                 {"mul", fMovable | fCommutative | fBinary},
	OpDiv:                 {"div", fMovable | fBinary},
	OpRem:                 {"rem", fMovable | fBinary},
	OpNeg:                 {"neg", fMovable},
	OpNot:                 {"not", fMovable},
	OpAnd:                 {"and", fMovable | fCommutative | fBinary},
	OpOr:                  {"or", fMovable | fCommutative | fBinary},
	OpXor:                 {"xor", fMovable | fCommutative | fBinary},
	OpShl:                 {"shl", fMovable | fBinary},
	OpShr:                 {"shr", fMovable | fBinary},
	OpUShr:                {"ushr", fMovable | fBinary},
	OpRor:                 {"ror", fMovable | fBinary},
	OpEq:                  {"eq", fMovable | fCommutative | fCompare | fBinary},
	OpNe:                  {"ne", fMovable | fCommutative | fCompare | fBinary},
	OpLt:                  {"lt", fMovable | fCompare | fBinary},
	OpLe:                  {"le", fMovable | fCompare | fBinary},
	OpGt:                  {"gt", fMovable | fCompare | fBinary},
	OpGe:                  {"ge", fMovable | fCompare | fBinary},
	OpSelect:              {"select", fMovable},
	OpConv:                {"conv", fMovable},
	OpBitCount:            {"bitcount", fMovable},
	OpIGet:                {"iget", fMovable | fThrows},
	OpIPut:                {"iput", fThrows},
	OpSGet:                {"sget", fMovable},
	OpSPut:                {"sput", 0},
	OpAGet:                {"aget", fMovable | fThrows},
	OpASet:                {"aset", fThrows},
	OpALen:                {"alen", fMovable | fThrows},
	OpBoundsCheck:         {"boundscheck", fMovable | fThrows},
	OpNullCheck:           {"nullcheck", fMovable | fThrows},
	OpNew:                 {"new", fThrows},
	OpNewArray:            {"newarray", fThrows},
	OpFillArray:           {"fillarray", fThrows},
	OpCall:                {"call", fThrows},
	OpSuspend:             {"suspend", 0},
	OpGoto:                {"goto", fControl},
	OpIf:                  {"if", fControl},
	OpSwitch:              {"switch", fControl},
	OpReturn:              {"return", fControl},
	OpThrow:               {"throw", fControl | fThrows},
	OpTry:                 {"try", fControl},
	OpMulAcc:              {"mac", fMovable},
	OpShiftOp:             {"shiftop", fMovable},
	OpIntermediateAddress: {"iaddr", fMovable},
}

func (op Opcode) String() string {
	if op < numOpcodes {
		return opTable[op].name
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// ParseOpcode looks up an opcode by its textual name.
func ParseOpcode(s string) (Opcode, bool) {
	for i := OpParam; i < numOpcodes; i++ {
		if opTable[i].name == s {
			return i, true
		}
	}
	return OpInvalid, false
}

func (op Opcode) has(f opFlags) bool { return op < numOpcodes && opTable[op].flags&f != 0 }

// IsControlFlow reports whether op terminates a block.
func (op Opcode) IsControlFlow() bool { return op.has(fControl) }

func (op Opcode) IsCommutative() bool { return op.has(fCommutative) }

func (op Opcode) IsCompare() bool { return op.has(fCompare) }

func (op Opcode) IsBinary() bool { return op.has(fBinary) }

// CanThrow reports whether an instruction with this opcode may raise an
// exception at run time.
func (op Opcode) CanThrow() bool { return op.has(fThrows) }

// HasAux reports whether the textual form carries an immediate.
func (op Opcode) HasAux() bool {
	switch op {
	case OpConst, OpIGet, OpIPut, OpSGet, OpSPut, OpCall, OpNew, OpSwitch,
		OpMulAcc, OpShiftOp, OpIntermediateAddress, OpFillArray:
		return true
	}
	return false
}

// Negate returns the comparison with the opposite outcome.
func (op Opcode) Negate() Opcode {
	switch op {
	case OpEq:
		return OpNe
	case OpNe:
		return OpEq
	case OpLt:
		return OpGe
	case OpGe:
		return OpLt
	case OpGt:
		return OpLe
	case OpLe:
		return OpGt
	}
	return OpInvalid
}

// Mirror returns the comparison with swapped operands.
func (op Opcode) Mirror() Opcode {
	switch op {
	case OpLt:
		return OpGt
	case OpGt:
		return OpLt
	case OpLe:
		return OpGe
	case OpGe:
		return OpLe
	}
	return op
}

// Kinds carried in the Aux field of OpMulAcc.
const (
	MulAccAdd int64 = iota
	MulAccSub
)

// Shift kinds carried in the Aux field of OpShiftOp. The low byte is the
// shift amount, the next byte the shift kind and the third byte the
// arithmetic opcode being performed.
const (
	ShiftLSL int64 = iota
	ShiftLSR
	ShiftASR
	ExtendSXTW
	ExtendUXTW
)

// EncodeShiftOp packs a data-processing-with-shifter-operand descriptor.
func EncodeShiftOp(op Opcode, kind int64, amount int64) int64 {
	return int64(op)<<16 | kind<<8 | amount&0xff
}

// DecodeShiftOp unpacks an OpShiftOp Aux value.
func DecodeShiftOp(aux int64) (op Opcode, kind int64, amount int64) {
	return Opcode(aux >> 16), (aux >> 8) & 0xff, aux & 0xff
}
