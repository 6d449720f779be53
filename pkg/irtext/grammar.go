// Package irtext reads the textual form of the graph IR.
//
// A file holds one or more methods:
//
//	method sum(%a: ref nonnull, %n: i32): i32 {
//	@entry:
//	  %z = const.i32 #0
//	  goto @head
//	...
//	}
//
// Values are written %name, block labels @name and immediates #n. Newlines
// end instructions; ';' starts a comment.
package irtext

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var irLexer = lexer.MustStateful(lexer.Rules{
	"Root": {
		{"Comment", `;[^\n]*`, nil},
		{"Value", `%[A-Za-z0-9_.]+`, nil},
		{"Label", `@[A-Za-z0-9_.]+`, nil},
		{"Imm", `#-?(0x[0-9a-fA-F]+|[0-9]+)`, nil},
		{"Ident", `[A-Za-z_][A-Za-z0-9_]*`, nil},
		{"Punct", `[{}()\[\],:=.]`, nil},
		{"EOL", `\n`, nil},
		{"Whitespace", `[ \t\r]+`, nil},
	},
})

type File struct {
	Pos     lexer.Position
	Methods []*Method `EOL* ( @@ EOL* )*`
}

type Method struct {
	Pos     lexer.Position
	Name    []string `"method" @Ident ( "." @Ident )*`
	Params  []*Param `"(" ( @@ ( "," @@ )* )? ")"`
	Returns string   `( ":" @Ident )? "{" EOL+`
	Blocks  []*Block `@@* "}"`
}

type Param struct {
	Pos     lexer.Position
	Name    string `@Value ":"`
	Type    string `@Ident`
	NonNull bool   `@"nonnull"?`
}

type Block struct {
	Pos   lexer.Position
	Label string  `@Label`
	Catch bool    `@"catch"? ":" EOL+`
	Insts []*Inst `( @@ EOL+ )*`
}

type Inst struct {
	Pos      lexer.Position
	Result   string     `( @Value "=" )?`
	Op       string     `@Ident`
	Type     string     `( "." @Ident )?`
	Operands []*Operand `( @@ ( "," @@ )* )?`
}

type Operand struct {
	Pos   lexer.Position
	Value string  `  @Value`
	Imm   string  `| @Imm`
	Label string  `| @Label`
	Phi   *PhiArg `| @@`
}

// PhiArg is one [%value, @pred] pair of a phi.
type PhiArg struct {
	Pos   lexer.Position
	Value string `"[" @Value ","`
	Label string `@Label "]"`
}

var parser = buildParser()

func buildParser() *participle.Parser[File] {
	return participle.MustBuild[File](
		participle.Lexer(irLexer),
		participle.Elide("Whitespace", "Comment"),
		participle.UseLookahead(3),
	)
}
