package intent

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
)

// FieldError 描述一个不合法的参数字段。
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func mustCompile(name, schema string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		panic(fmt.Sprintf("intent schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("intent schema %s: %v", name, err))
	}
	compiled, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("intent schema %s: %v", name, err))
	}
	return compiled
}

// validateSchema 校验原始参数并返回全部字段错误。
func validateSchema(schema *jsonschema.Schema, raw json.RawMessage) []FieldError {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return []FieldError{{Field: "/", Message: "params must be valid JSON"}}
	}
	err = schema.Validate(inst)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !stdErrors.As(err, &ve) {
		return []FieldError{{Field: "/", Message: err.Error()}}
	}
	var out []FieldError
	for _, unit := range ve.BasicOutput().Errors {
		if unit.Error == nil {
			continue
		}
		field := unit.InstanceLocation
		if field == "" {
			field = "/"
		}
		out = append(out, FieldError{Field: field, Message: unit.Error.String()})
	}
	if len(out) == 0 {
		out = append(out, FieldError{Field: "/", Message: ve.Error()})
	}
	return out
}

func checkAddress(field, value string) *FieldError {
	if solana.IsValidAddress(value) {
		return nil
	}
	return &FieldError{Field: field, Message: fmt.Sprintf("invalid address: %s", value)}
}

func validationError(intentType string, fields []FieldError) error {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return xerrors.New(xerrors.CodeValidation,
		fmt.Sprintf("invalid %s params: %s", intentType, strings.Join(parts, ", ")),
		xerrors.WithDetails(fields))
}

// decode 先做 schema 校验，再解码为强类型结构；extra 返回额外的语义错误。
func decode[P any](intentType string, schema *jsonschema.Schema, raw json.RawMessage, extra func(*P) []FieldError) (*P, error) {
	if fields := validateSchema(schema, raw); len(fields) > 0 {
		return nil, validationError(intentType, fields)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	var p P
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, validationError(intentType, []FieldError{{Field: "/", Message: err.Error()}})
	}
	if extra != nil {
		if fields := extra(&p); len(fields) > 0 {
			return nil, validationError(intentType, fields)
		}
	}
	return &p, nil
}

func paramsAs[P Params](p Params) (P, error) {
	typed, ok := p.(P)
	if !ok {
		var zero P
		return zero, xerrors.Newf(xerrors.CodeInvalidArgument, "unexpected params type %T", p)
	}
	return typed, nil
}

func toRawUnits(amount float64, decimals int) uint64 {
	return uint64(math.Floor(amount * math.Pow(10, float64(decimals))))
}

// compileTransaction 取最新区块哈希并编译消息。
func compileTransaction(ctx context.Context, req BuildRequest, version solana.MessageVersion, instructions ...solana.Instruction) (*solana.Transaction, error) {
	if req.Ledger == nil {
		return nil, xerrors.New(xerrors.CodeBuildFailed, "ledger adapter is not configured")
	}
	blockhash, err := req.Ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "fetch latest blockhash")
	}
	msg, err := solana.CompileMessage(req.Agent, blockhash, instructions)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBuildFailed, err, "compile message")
	}
	msg.Version = version
	return solana.NewTransaction(msg), nil
}
