package manifest

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schemaSrc constrains pikevm.toml. Fields are optional; unknown fields are
// rejected by close().
const schemaSrc = `
runtime?: close({
	"stack-size"?:      int & >=1024 & <=16777216
	"max-depth"?:       int & >=16 & <=65536
	"interrupt-shift"?: int & >=0 & <=20
	debug?:             int & >=0
	trace?:             int & >=0 & <=4
	backlog?:           bool
	profile?:           string
})
program?: close({
	image?: string
	entry?: string & != ""
	args?: [...int]
})
server?: close({
	addr?:        string
	"grpc-addr"?: string
})
`

type compiledSchema struct {
	ctx    *cue.Context
	schema cue.Value
}

var getSchema = sync.OnceValues(func() (*compiledSchema, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString("close({" + schemaSrc + "})")
	if err := schema.Err(); err != nil {
		return nil, err
	}
	return &compiledSchema{ctx: ctx, schema: schema}, nil
})

// Validate checks decoded manifest data against the schema.
func Validate(raw map[string]any) error {
	s, err := getSchema()
	if err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	value := s.ctx.Encode(raw)
	if err := value.Err(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	if err := s.schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	return nil
}
