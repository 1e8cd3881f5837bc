// Package enumvalidator reports string literals assigned to enum-typed struct
// fields, in assignments and composite literals.
package enumvalidator

import (
	"go/ast"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

// EnumTypes are the named string types checked by the analyzer.
var EnumTypes = map[string]bool{
	"Severity":              true,
	"CrisisStatus":          true,
	"RiskCategory":          true,
	"RecommendationChannel": true,
	"TriggerType":           true,
	"DeliveryStatus":        true,
	"DeliveryChannel":       true,
	"SyncKind":              true,
}

var Analyzer = &analysis.Analyzer{
	Name:     "enumvalidator",
	Doc:      "reports string literals assigned to enum-typed struct fields",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

func run(pass *analysis.Pass) (any, error) {
	insp := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	nodeFilter := []ast.Node{
		(*ast.AssignStmt)(nil),
		(*ast.KeyValueExpr)(nil),
	}
	insp.Preorder(nodeFilter, func(n ast.Node) {
		switch node := n.(type) {
		case *ast.AssignStmt:
			if len(node.Lhs) != len(node.Rhs) {
				return
			}
			for i, lhs := range node.Lhs {
				sel, ok := lhs.(*ast.SelectorExpr)
				if !ok {
					continue
				}
				check(pass, sel.Sel, pass.TypesInfo.TypeOf(lhs), node.Rhs[i])
			}
		case *ast.KeyValueExpr:
			key, ok := node.Key.(*ast.Ident)
			if !ok {
				return
			}
			field, ok := pass.TypesInfo.Uses[key].(*types.Var)
			if !ok || !field.IsField() {
				return
			}
			check(pass, key, field.Type(), node.Value)
		}
	})
	return nil, nil
}

func check(pass *analysis.Pass, field *ast.Ident, typ types.Type, value ast.Expr) {
	if !isEnum(typ) {
		return
	}
	lit, ok := ast.Unparen(value).(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return
	}
	pass.Reportf(lit.Pos(), "enum field %s assigned string literal %s; use a declared constant", field.Name, lit.Value)
}

func isEnum(typ types.Type) bool {
	if ptr, ok := typ.(*types.Pointer); ok {
		typ = ptr.Elem()
	}
	named, ok := typ.(*types.Named)
	if !ok || !EnumTypes[named.Obj().Name()] {
		return false
	}
	basic, ok := named.Underlying().(*types.Basic)
	return ok && basic.Info()&types.IsString != 0
}
