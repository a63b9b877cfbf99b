// Package parse implements the parse(text, path) -> {symbols, language}
// collaborator contract: a pure, side-effect-free function from source text
// and its path to the symbols it declares. It is a thin wrapper over the
// tree-sitter grammars and symbol-extraction heuristics in internal/chunk.
package parse

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/codexlens/codexlens/internal/chunk"
	"github.com/codexlens/codexlens/internal/scanner"
)

// Kind is the syntactic category of a parsed symbol.
type Kind string

const (
	KindFunction  Kind = "function"
	KindMethod    Kind = "method"
	KindClass     Kind = "class"
	KindInterface Kind = "interface"
	KindType      Kind = "type"
	KindVariable  Kind = "variable"
	KindConstant  Kind = "constant"
)

// Range is an inclusive, 1-indexed line range.
type Range struct {
	Start int
	End   int
}

// Symbol is one declaration found in a source file.
type Symbol struct {
	Name  string
	Kind  Kind
	Range Range
}

// Result is the return value of the parse contract.
type Result struct {
	Symbols  []Symbol
	Language string
}

// Parser implements the parse collaborator. It is not safe for concurrent
// use by multiple goroutines; callers should own one Parser per worker, the
// same way internal/chunk.Parser is used.
type Parser struct {
	ts        *chunk.Parser
	extractor *chunk.SymbolExtractor
	registry  *chunk.LanguageRegistry
}

// NewParser builds a Parser over the default tree-sitter language registry.
func NewParser() *Parser {
	registry := chunk.DefaultRegistry()
	return &Parser{
		ts:        chunk.NewParserWithRegistry(registry),
		extractor: chunk.NewSymbolExtractorWithRegistry(registry),
		registry:  registry,
	}
}

// Close releases the underlying tree-sitter parser.
func (p *Parser) Close() {
	p.ts.Close()
}

// Parse parses text at path and returns its symbols and detected language.
// A file whose extension has no registered grammar yields an empty symbol
// set, not an error: callers treat an unparsed file as content-only. Its
// Language is still scanner.DetectLanguage's answer (e.g. "markdown"), and
// is empty only when the extension is unknown to the scanner too.
func (p *Parser) Parse(ctx context.Context, text []byte, path string) (Result, error) {
	language := scanner.DetectLanguage(path)

	config, ok := p.registry.GetByExtension(filepath.Ext(path))
	if !ok {
		return Result{Language: language}, nil
	}

	tree, err := p.ts.Parse(ctx, text, config.Name)
	if err != nil {
		return Result{}, fmt.Errorf("parse %s: %w", path, err)
	}

	extracted := p.extractor.Extract(tree, text)
	symbols := make([]Symbol, 0, len(extracted))
	for _, s := range extracted {
		kind, ok := kindFromSymbolType(s.Type)
		if !ok {
			continue
		}
		symbols = append(symbols, Symbol{
			Name:  s.Name,
			Kind:  kind,
			Range: Range{Start: s.StartLine, End: s.EndLine},
		})
	}

	return Result{Symbols: symbols, Language: language}, nil
}

// Supported reports whether path's extension has a registered grammar.
func (p *Parser) Supported(path string) bool {
	_, ok := p.registry.GetByExtension(filepath.Ext(path))
	return ok
}

func kindFromSymbolType(t chunk.SymbolType) (Kind, bool) {
	switch t {
	case chunk.SymbolTypeFunction:
		return KindFunction, true
	case chunk.SymbolTypeMethod:
		return KindMethod, true
	case chunk.SymbolTypeClass:
		return KindClass, true
	case chunk.SymbolTypeInterface:
		return KindInterface, true
	case chunk.SymbolTypeType:
		return KindType, true
	case chunk.SymbolTypeVariable:
		return KindVariable, true
	case chunk.SymbolTypeConstant:
		return KindConstant, true
	default:
		return "", false
	}
}
