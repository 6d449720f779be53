package compiler

// Passes and backends register themselves when linked in.
import (
	_ "github.com/raymyers/ralph-oat/pkg/archsimp"
	_ "github.com/raymyers/ralph-oat/pkg/deadblocks"
	_ "github.com/raymyers/ralph-oat/pkg/gvn"
	_ "github.com/raymyers/ralph-oat/pkg/induction"
	_ "github.com/raymyers/ralph-oat/pkg/phielim"
	_ "github.com/raymyers/ralph-oat/pkg/selects"
	_ "github.com/raymyers/ralph-oat/pkg/simplify"
	_ "github.com/raymyers/ralph-oat/pkg/typeprop"

	_ "github.com/raymyers/ralph-oat/pkg/codegen/amd64"
	_ "github.com/raymyers/ralph-oat/pkg/codegen/arm64"
	_ "github.com/raymyers/ralph-oat/pkg/codegen/thumb2"
)
